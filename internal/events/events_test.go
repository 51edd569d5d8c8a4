package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FiltersByType(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	all := bus.Subscribe(8)
	breakers := bus.Subscribe(8, CircuitOpen, CircuitClosed)

	bus.Publish(Event{Type: BackendAdded, BackendID: "a"})
	bus.Publish(Event{Type: CircuitOpen, BackendID: "a"})

	require.Len(t, all.C(), 2)
	require.Len(t, breakers.C(), 1)

	e := <-breakers.C()
	assert.Equal(t, CircuitOpen, e.Type)
	assert.Equal(t, "a", e.BackendID)
	assert.False(t, e.Time.IsZero())
}

func TestBus_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe(1)

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: BackendAdded})
		bus.Publish(Event{Type: BackendRemoved})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	e := <-sub.C()
	assert.Equal(t, BackendAdded, e.Type)
	assert.Len(t, sub.C(), 0)
}

func TestSubscription_Unsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe(4)
	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, 1, bus.Subscribers())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, bus.Subscribers())

	_, ok := <-sub.C()
	assert.False(t, ok)

	assert.NotPanics(t, func() { bus.Publish(Event{Type: BackendAdded}) })
}

func TestBus_Close(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe(4)
	bus.Close()
	bus.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)

	late := bus.Subscribe(4)
	_, ok = <-late.C()
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: BackendAdded})
		sub.Unsubscribe()
	})
}

func TestBus_ConcurrentPublish(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: RateLimitExceeded})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, sub.C(), 500)
}

func TestNopPublisher(t *testing.T) {
	t.Parallel()

	var p Publisher = NopPublisher{}
	assert.NotPanics(t, func() { p.Publish(Event{Type: BackendAdded}) })
}

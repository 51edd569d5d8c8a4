package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: 3, Cooldown: time.Minute})
	t.Cleanup(breakers.StopAll)
	return NewRegistry(breakers, opts...)
}

func mustAdd(t *testing.T, r *Registry, id string) *Server {
	t.Helper()
	s, err := r.Add(Spec{ID: id, Host: "10.0.0.1", Port: 8080, Weight: 1})
	require.NoError(t, err)
	return s
}

func TestStatus_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unknown", StatusUnknown.String())
	assert.Equal(t, "healthy", StatusHealthy.String())
	assert.Equal(t, "unhealthy", StatusUnhealthy.String())
}

func TestRegistry_Add(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.BackendAdded)
	r := newTestRegistry(t, WithEvents(bus), WithDefaultMaxConnections(50))

	s, err := r.Add(Spec{Host: "backend.local", Port: 9000, Weight: 2, Region: "eu"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID, "generated id")
	assert.Equal(t, "backend.local:9000", s.Address())
	assert.Equal(t, 50, s.MaxConnections)
	assert.Equal(t, StatusUnknown, s.Status())
	assert.True(t, s.IsHealthy())
	assert.Zero(t, s.ActiveConnections())

	_, ok := r.Breakers().Get(s.ID)
	assert.True(t, ok, "breaker created with the backend")

	e := <-sub.C()
	assert.Equal(t, s.ID, e.BackendID)
}

func TestRegistry_Add_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec Spec
	}{
		{"empty host", Spec{Port: 80}},
		{"port zero", Spec{Host: "a", Port: 0}},
		{"port too large", Spec{Host: "a", Port: 70000}},
		{"negative weight", Spec{Host: "a", Port: 80, Weight: -1}},
		{"negative capacity", Spec{Host: "a", Port: 80, MaxConnections: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRegistry(t)
			_, err := r.Add(tt.spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, util.ErrConfigInvalid)
			assert.Zero(t, r.Len())
		})
	}
}

func TestRegistry_Add_Duplicate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	mustAdd(t, r, "a")
	_, err := r.Add(Spec{ID: "a", Host: "10.0.0.2", Port: 80})
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_InsertionOrder(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		mustAdd(t, r, id)
	}

	var ids []string
	for _, s := range r.All() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRegistry_Remove(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.BackendRemoved)
	r := newTestRegistry(t, WithEvents(bus))
	mustAdd(t, r, "a")
	mustAdd(t, r, "b")

	require.NoError(t, r.Remove("a"))
	_, ok := r.Get("a")
	assert.False(t, ok)
	_, ok = r.Breakers().Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "a", (<-sub.C()).BackendID)

	assert.ErrorIs(t, r.Remove("a"), util.ErrNotFound)
}

func TestRegistry_Remove_DrainsFirst(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.BackendDraining)
	r := newTestRegistry(t, WithEvents(bus))
	s := mustAdd(t, r, "a")
	s.Acquire()

	err := r.Remove("a")
	assert.True(t, errors.Is(err, util.ErrDraining))
	_, ok := r.Get("a")
	assert.True(t, ok, "still registered")
	assert.True(t, s.IsDraining())
	assert.Empty(t, r.Healthy(), "draining backends receive no traffic")
	assert.Equal(t, events.BackendDraining, (<-sub.C()).Type)

	s.Release()
	require.NoError(t, r.Remove("a"))
	assert.Zero(t, r.Len())
}

func TestRegistry_Undrain(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.BackendRestored)
	r := newTestRegistry(t, WithEvents(bus))
	s := mustAdd(t, r, "a")
	s.Acquire()
	require.ErrorIs(t, r.Remove("a"), util.ErrDraining)
	require.Empty(t, r.Healthy())

	require.NoError(t, r.Undrain("a"))
	assert.False(t, s.IsDraining())
	assert.Len(t, r.Healthy(), 1, "back in rotation")
	assert.Equal(t, events.BackendRestored, (<-sub.C()).Type)

	require.NoError(t, r.Undrain("a"), "no-op when not draining")
	assert.Empty(t, sub.C(), "no second event")
	assert.ErrorIs(t, r.Undrain("missing"), util.ErrNotFound)
}

func TestRegistry_Healthy(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	a := mustAdd(t, r, "a")
	b := mustAdd(t, r, "b")
	mustAdd(t, r, "c")

	a.SetStatus(StatusUnhealthy)
	breaker, _ := r.Breakers().Get(b.ID)
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}

	healthy := r.Healthy()
	require.Len(t, healthy, 1)
	assert.Equal(t, "c", healthy[0].ID)
}

func TestRegistry_UpdateWeights(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	a := mustAdd(t, r, "a")
	b := mustAdd(t, r, "b")

	require.NoError(t, r.UpdateWeights(map[string]int{"a": 5, "b": 0}))
	assert.Equal(t, 5, a.Weight())
	assert.Equal(t, 0, b.Weight())

	err := r.UpdateWeights(map[string]int{"a": 7, "b": -1})
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	assert.Equal(t, 5, a.Weight(), "rejected batch leaves weights untouched")

	err = r.UpdateWeights(map[string]int{"missing": 1})
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestServer_Counters(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s := mustAdd(t, r, "a")

	s.Acquire()
	s.Acquire()
	assert.Equal(t, int64(2), s.ActiveConnections())
	assert.Equal(t, int64(2), s.TotalRequests())

	assert.Equal(t, int64(1), s.Release())
	assert.Equal(t, int64(0), s.Release())
	assert.Equal(t, int64(0), s.Release(), "never below zero")
}

func TestServer_ObserveResponse(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, WithEWMAAlpha(0.5))
	s := mustAdd(t, r, "a")

	s.ObserveResponse(100*time.Millisecond, true)
	assert.Equal(t, 100*time.Millisecond, s.AverageResponseTime(), "first sample seeds the average")

	s.ObserveResponse(200*time.Millisecond, false)
	assert.Equal(t, 150*time.Millisecond, s.AverageResponseTime())
	assert.Equal(t, int64(1), s.FailedRequests())
}

func TestServer_Snapshot(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	s, err := r.Add(Spec{ID: "a", Host: "10.0.0.1", Port: 80, Weight: 3, Zone: "z1",
		Metadata: map[string]string{"rack": "r1"}})
	require.NoError(t, err)

	s.Acquire()
	s.Acquire()
	s.ObserveResponse(10*time.Millisecond, false)

	snap := s.Snapshot()
	assert.Equal(t, "a", snap.ID)
	assert.Equal(t, 3, snap.Weight)
	assert.Equal(t, "z1", snap.Zone)
	assert.Equal(t, int64(2), snap.ActiveConnections)
	assert.InDelta(t, 0.5, snap.ErrorRate, 1e-9)
	assert.Equal(t, "r1", snap.Metadata["rack"])
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, WithDefaultMaxConnections(10))
	a := mustAdd(t, r, "a")
	mustAdd(t, r, "b")
	a.Acquire()
	a.Acquire()

	active, capacity := Capacity(r.All())
	assert.Equal(t, int64(2), active)
	assert.Equal(t, int64(20), capacity)
}

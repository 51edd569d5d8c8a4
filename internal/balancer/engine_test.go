package balancer

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avatraffic/internal/affinity"
	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

type fixture struct {
	engine   *Engine
	registry *backend.Registry
	bus      *events.Bus
}

func newFixture(t *testing.T, algorithm string, opts ...Option) *fixture {
	t.Helper()
	bus := events.NewBus()
	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.Config{Threshold: 3, Cooldown: 30 * time.Millisecond},
		circuitbreaker.WithEvents(bus),
	)
	t.Cleanup(breakers.StopAll)
	registry := backend.NewRegistry(breakers, backend.WithEvents(bus), backend.WithDefaultMaxConnections(10))

	opts = append([]Option{WithEvents(bus), WithMetrics(observability.NewMetrics("test"))}, opts...)
	e, err := NewEngine(registry, config.BalancerConfig{Algorithm: algorithm}, opts...)
	require.NoError(t, err)
	return &fixture{engine: e, registry: registry, bus: bus}
}

func (f *fixture) add(t *testing.T, id string, weight int) *backend.Server {
	t.Helper()
	s, err := f.engine.AddBackend(backend.Spec{ID: id, Host: "10.0.0.1", Port: 8080, Weight: weight})
	require.NoError(t, err)
	return s
}

func (f *fixture) selectID(t *testing.T, req *RequestContext) string {
	t.Helper()
	s, err := f.engine.SelectBackend(context.Background(), req)
	require.NoError(t, err)
	return s.ID
}

func TestNewEngine_UnknownAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(backend.NewRegistry(nil), config.BalancerConfig{Algorithm: "random"})
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestSelect_RoundRobin(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin)
	for _, id := range []string{"A", "B", "C"} {
		f.add(t, id, 1)
	}

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, f.selectID(t, nil))
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, got)
}

func TestSelect_WeightedRoundRobinShares(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmWeightedRoundRobin)
	f.add(t, "A", 1)
	f.add(t, "B", 2)
	f.add(t, "C", 1)

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		id := f.selectID(t, nil)
		counts[id]++
		f.engine.RecordRequestCompletion(id, time.Millisecond, true)
	}
	assert.InDelta(t, 100, counts["A"], 20)
	assert.InDelta(t, 200, counts["B"], 20)
	assert.InDelta(t, 100, counts["C"], 20)
}

func TestSelect_WeightedRoundRobinIsSmooth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmWeightedRoundRobin)
	f.add(t, "A", 5)
	f.add(t, "B", 1)
	f.add(t, "C", 1)

	var got []string
	for i := 0; i < 7; i++ {
		got = append(got, f.selectID(t, nil))
	}
	assert.Equal(t, []string{"A", "A", "B", "A", "C", "A", "A"}, got)
}

func TestSelect_WeightedRoundRobinZeroWeights(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmWeightedRoundRobin)
	f.add(t, "A", 0)
	f.add(t, "B", 0)
	assert.Equal(t, "A", f.selectID(t, nil))
	assert.Equal(t, "B", f.selectID(t, nil))

	require.NoError(t, f.engine.UpdateBackendWeights(map[string]int{"B": 1}))
	for i := 0; i < 4; i++ {
		assert.Equal(t, "B", f.selectID(t, nil), "zero weight never chosen")
	}
}

func TestSelect_LeastConnections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmLeastConnections)
	x := f.add(t, "X", 1)
	f.add(t, "Y", 1)
	for i := 0; i < 5; i++ {
		x.Acquire()
	}

	assert.Equal(t, "Y", f.selectID(t, nil))
}

func TestSelect_IPHashStable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmIPHash)
	for i := 0; i < 5; i++ {
		f.add(t, fmt.Sprintf("b%d", i), 1)
	}

	req := &RequestContext{ClientIP: "203.0.113.7"}
	first := f.selectID(t, req)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, f.selectID(t, req))
	}
}

func TestSelect_LeastResponseTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmLeastResponseTime)
	a := f.add(t, "A", 1)
	b := f.add(t, "B", 1)
	a.ObserveResponse(200*time.Millisecond, true)
	b.ObserveResponse(20*time.Millisecond, true)

	assert.Equal(t, "B", f.selectID(t, nil))
}

func TestSelect_NoHealthyBackend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin)
	sub := f.bus.Subscribe(4, events.BackendUnavailable)

	s, err := f.engine.SelectBackend(context.Background(), nil)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrNoHealthyBackend)
	assert.Equal(t, events.BackendUnavailable, (<-sub.C()).Type)

	a := f.add(t, "A", 1)
	a.SetStatus(backend.StatusUnhealthy)
	_, err = f.engine.SelectBackend(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoHealthyBackend)
	assert.Equal(t, int64(2), f.engine.DetailedMetrics().NoHealthyBackend)
}

func TestSelect_CountsBeforeReturning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin)
	a := f.add(t, "A", 1)

	f.selectID(t, nil)
	assert.Equal(t, int64(1), a.ActiveConnections())
	assert.Equal(t, int64(1), a.TotalRequests())

	assert.True(t, f.engine.RecordRequestCompletion("A", 10*time.Millisecond, true))
	assert.Zero(t, a.ActiveConnections())
	assert.True(t, f.engine.RecordRequestCompletion("A", 10*time.Millisecond, true))
	assert.Zero(t, a.ActiveConnections(), "never below zero")
	assert.False(t, f.engine.RecordRequestCompletion("missing", 0, true))
}

func TestCircuitBreakerCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin)
	f.add(t, "A", 1)
	f.add(t, "B", 1)

	for i := 0; i < 3; i++ {
		f.engine.RecordRequestCompletion("A", time.Millisecond, false)
	}
	breaker, _ := f.registry.Breakers().Get("A")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
	for i := 0; i < 4; i++ {
		assert.Equal(t, "B", f.selectID(t, nil), "open breaker receives no traffic")
	}

	assert.Eventually(t, func() bool {
		return breaker.State() == circuitbreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	f.engine.RecordRequestCompletion("A", time.Millisecond, true)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestRemoveBackend_DrainBeforeRemove(t *testing.T) {
	t.Parallel()

	sessions := affinity.NewTable(time.Minute, time.Minute)
	f := newFixture(t, config.AlgorithmRoundRobin, WithSessions(sessions))
	f.add(t, "A", 1)

	id := f.selectID(t, &RequestContext{SessionID: "s1"})
	require.Equal(t, "A", id)

	assert.False(t, f.engine.RemoveBackend("A"))
	_, ok := f.registry.Get("A")
	assert.True(t, ok, "still registered while draining")

	f.engine.RecordRequestCompletion("A", time.Millisecond, true)
	assert.True(t, f.engine.RemoveBackend("A"))
	_, ok = f.registry.Get("A")
	assert.False(t, ok)
	_, bound := sessions.Lookup("s1")
	assert.False(t, bound, "bindings dropped with the backend")

	assert.False(t, f.engine.RemoveBackend("A"))
}

func TestRemoveBackend_SerializedWithSelection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin)
	f.add(t, "keep", 1)

	var stranded atomic.Int64
	for iter := 0; iter < 100; iter++ {
		f.add(t, "x", 1)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for k := 0; k < 20; k++ {
					s, err := f.engine.SelectBackend(context.Background(), nil)
					if err != nil {
						continue
					}
					if !f.engine.RecordRequestCompletion(s.ID, time.Millisecond, true) {
						stranded.Add(1)
					}
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for !f.engine.RemoveBackend("x") {
				runtime.Gosched()
			}
		}()
		close(start)
		wg.Wait()
	}

	assert.Zero(t, stranded.Load(), "no request may be routed to a removed backend")
	assert.Equal(t, 1, f.registry.Len())
	assert.Zero(t, f.engine.Aggregator().Snapshot().ActiveRequests)
}

func TestRecordRequestCompletion_UnknownBackendReleasesAggregate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin)
	f.add(t, "A", 1)
	f.selectID(t, nil)
	require.EqualValues(t, 1, f.engine.Aggregator().Snapshot().ActiveRequests)

	assert.False(t, f.engine.RecordRequestCompletion("ghost", time.Millisecond, true))
	snap := f.engine.Aggregator().Snapshot()
	assert.Zero(t, snap.ActiveRequests)
	assert.Zero(t, snap.Samples, "no completion is recorded")
}

func TestSelect_SessionAffinity(t *testing.T) {
	t.Parallel()

	sessions := affinity.NewTable(time.Minute, time.Minute)
	f := newFixture(t, config.AlgorithmRoundRobin, WithSessions(sessions))
	a := f.add(t, "A", 1)
	f.add(t, "B", 1)
	f.add(t, "C", 1)

	req := &RequestContext{SessionID: "s1"}
	first := f.selectID(t, req)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, f.selectID(t, req))
	}

	sessions.Bind("s2", "A")
	a.SetStatus(backend.StatusUnhealthy)
	next := f.selectID(t, &RequestContext{SessionID: "s2"})
	assert.NotEqual(t, "A", next, "binding ignored when the target is not a candidate")
	bound, _ := sessions.Lookup("s2")
	assert.Equal(t, next, bound, "binding refreshed to the new choice")
}

func TestSelect_GeographicRouting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin)
	_, err := f.engine.AddBackend(backend.Spec{ID: "us", Host: "10.0.0.1", Port: 80, Weight: 1, Region: "us-east"})
	require.NoError(t, err)
	_, err = f.engine.AddBackend(backend.Spec{ID: "eu", Host: "10.0.0.2", Port: 80, Weight: 1, Region: "eu-west"})
	require.NoError(t, err)

	sub := f.bus.Subscribe(4, events.GeoRoutingChanged)
	f.engine.SetGeographicRouting(true)
	assert.True(t, f.engine.GeographicRouting())
	assert.Equal(t, events.GeoRoutingChanged, (<-sub.C()).Type)

	for i := 0; i < 4; i++ {
		assert.Equal(t, "eu", f.selectID(t, &RequestContext{Region: "eu-west"}))
	}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[f.selectID(t, &RequestContext{Region: "ap-south"})] = true
	}
	assert.Len(t, seen, 2, "unknown region falls back to all candidates")
}

func TestSwitchAlgorithm(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin)
	sub := f.bus.Subscribe(4, events.AlgorithmSwitched)

	require.NoError(t, f.engine.SwitchAlgorithm(config.AlgorithmLeastConnections))
	assert.Equal(t, config.AlgorithmLeastConnections, f.engine.Algorithm())
	e := <-sub.C()
	assert.Equal(t, config.AlgorithmRoundRobin, e.Data["from"])

	err := f.engine.SwitchAlgorithm("fastest")
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
	assert.Equal(t, config.AlgorithmLeastConnections, f.engine.Algorithm())
}

func TestUpdateBackendWeights(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmWeightedRoundRobin)
	f.add(t, "A", 1)
	sub := f.bus.Subscribe(4, events.WeightsUpdated)

	require.NoError(t, f.engine.UpdateBackendWeights(map[string]int{"A": 4}))
	assert.Equal(t, 4, (<-sub.C()).Data["A"])

	assert.ErrorIs(t, f.engine.UpdateBackendWeights(map[string]int{"A": -2}), util.ErrConfigInvalid)
}

func TestShutdown_Graceful(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin, WithDrainTimeout(time.Second))
	f.add(t, "A", 1)
	f.selectID(t, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.engine.RecordRequestCompletion("A", time.Millisecond, true)
	}()

	report := f.engine.Shutdown(context.Background())
	assert.False(t, report.Forced)
	assert.True(t, f.engine.IsShuttingDown())

	_, err := f.engine.SelectBackend(context.Background(), nil)
	assert.ErrorIs(t, err, util.ErrShuttingDown)
}

func TestShutdown_Forced(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmRoundRobin, WithDrainTimeout(30*time.Millisecond))
	a := f.add(t, "A", 1)
	f.selectID(t, nil)
	f.selectID(t, nil)

	report := f.engine.Shutdown(context.Background())
	assert.True(t, report.Forced)
	assert.Equal(t, int64(2), report.Abandoned)
	assert.Zero(t, a.ActiveConnections())
	assert.Zero(t, f.engine.Aggregator().Snapshot().ActiveRequests)
}

func TestDetailedMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AlgorithmAdaptive, WithSessions(affinity.NewTable(time.Minute, time.Minute)))
	f.add(t, "A", 1)
	f.add(t, "B", 1)
	f.selectID(t, &RequestContext{SessionID: "s"})

	dm := f.engine.DetailedMetrics()
	assert.Equal(t, config.AlgorithmAdaptive, dm.Algorithm)
	assert.Equal(t, config.AlgorithmWeightedRoundRobin, dm.EffectiveAlgorithm)
	assert.Equal(t, 2, dm.TotalBackends)
	assert.Equal(t, 2, dm.HealthyBackends)
	assert.Equal(t, 1, dm.Sessions)
	assert.True(t, dm.SessionPersistence)
	assert.Equal(t, int64(1), dm.Requests.TotalRequests)
	assert.InDelta(t, 0.05, dm.SystemLoad, 1e-9)
	assert.Len(t, dm.Backends, 2)
	assert.Contains(t, dm.CircuitBreakers, "A")
	assert.InDelta(t, 0.05, f.engine.ConnectionPressure(), 1e-9)
}

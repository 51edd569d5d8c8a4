// Package balancer implements the selection engine: it routes each request
// to one healthy backend using a configurable strategy, honors sticky
// sessions and owns the per-request completion accounting that feeds
// metrics, circuit breakers and passive health.
package balancer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyrodovalexey/avatraffic/internal/affinity"
	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/metrics"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// ErrNoHealthyBackend is returned when no backend can take the request.
var ErrNoHealthyBackend = util.ErrNoHealthyBackend

// DefaultDrainTimeout bounds how long Shutdown waits for in-flight requests.
const DefaultDrainTimeout = 30 * time.Second

// RequestContext describes the request being routed.
type RequestContext struct {
	ClientIP  string            `json:"clientIp"`
	UserID    string            `json:"userId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Region    string            `json:"region,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Engine selects backends for requests.
type Engine struct {
	registry   *backend.Registry
	health     *backend.HealthChecker
	sessions   *affinity.Table
	aggregator *metrics.Aggregator
	logger     observability.Logger
	metrics    *observability.Metrics
	events     events.Publisher
	tracer     *observability.Tracer
	thresholds AdaptiveThresholds
	drain      time.Duration

	mu         sync.Mutex
	algorithm  string
	effective  string
	geoRouting bool
	strategies map[string]Strategy

	noHealthy    atomic.Int64
	shuttingDown atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithTracer sets the tracer used for selection spans.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithHealthChecker attaches the health checker that receives passive
// success signals and is stopped on shutdown.
func WithHealthChecker(hc *backend.HealthChecker) Option {
	return func(e *Engine) { e.health = hc }
}

// WithSessions enables session persistence through table.
func WithSessions(table *affinity.Table) Option {
	return func(e *Engine) { e.sessions = table }
}

// WithAggregator sets the request telemetry aggregator.
func WithAggregator(a *metrics.Aggregator) Option {
	return func(e *Engine) { e.aggregator = a }
}

// WithDrainTimeout bounds the wait of Shutdown.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.drain = d
		}
	}
}

// NewEngine creates an engine over registry.
func NewEngine(registry *backend.Registry, cfg config.BalancerConfig, opts ...Option) (*Engine, error) {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = config.AlgorithmRoundRobin
	}
	if !config.IsValidAlgorithm(algorithm) {
		return nil, util.NewConfigError("balancer.algorithm", fmt.Sprintf("unknown algorithm %q", algorithm))
	}

	e := &Engine{
		registry:   registry,
		logger:     observability.NopLogger(),
		events:     events.NopPublisher{},
		thresholds: thresholdsFromConfig(cfg.Adaptive),
		drain:      DefaultDrainTimeout,
		algorithm:  algorithm,
		geoRouting: cfg.GeographicRouting,
		strategies: map[string]Strategy{
			config.AlgorithmRoundRobin:         &roundRobin{},
			config.AlgorithmLeastConnections:   leastConnections{},
			config.AlgorithmWeightedRoundRobin: newWeightedRoundRobin(),
			config.AlgorithmIPHash:             ipHash{},
			config.AlgorithmLeastResponseTime:  leastResponseTime{},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.aggregator == nil {
		e.aggregator = metrics.NewAggregator(0, 0, 0)
	}
	e.metrics.SetAlgorithm("", algorithm)
	return e, nil
}

// Registry returns the backend registry.
func (e *Engine) Registry() *backend.Registry { return e.registry }

// Aggregator returns the request telemetry aggregator.
func (e *Engine) Aggregator() *metrics.Aggregator { return e.aggregator }

// AddBackend registers a backend.
func (e *Engine) AddBackend(spec backend.Spec) (*backend.Server, error) {
	return e.registry.Add(spec)
}

// RemoveBackend removes a backend with no in-flight requests and reports
// whether it did. A busy backend is put into draining instead; call again
// once its requests completed, or UndrainBackend to put it back in rotation.
func (e *Engine) RemoveBackend(id string) bool {
	s, ok := e.registry.Get(id)
	if !ok {
		return false
	}

	// Selection acquires under mu, so the in-flight check and the delete
	// cannot fall between a selection and its Acquire.
	e.mu.Lock()
	if err := e.registry.Remove(id); err != nil {
		e.mu.Unlock()
		return false
	}
	for _, st := range e.strategies {
		st.Forget(id)
	}
	e.mu.Unlock()

	if e.sessions != nil {
		e.sessions.Forget(id)
	}
	if e.health != nil {
		e.health.Forget(s)
	}
	return true
}

// UndrainBackend returns a draining backend to rotation and reports whether
// the backend is known.
func (e *Engine) UndrainBackend(id string) bool {
	return e.registry.Undrain(id) == nil
}

// SelectBackend picks a backend for req and accounts it as in flight before
// returning. It returns ErrNoHealthyBackend when no backend can take it.
func (e *Engine) SelectBackend(ctx context.Context, req *RequestContext) (*backend.Server, error) {
	_, span := e.tracer.StartSpan(ctx, "balancer.SelectBackend")
	defer span.End()

	if e.shuttingDown.Load() {
		span.SetStatus(codes.Error, "shutting down")
		return nil, util.ErrShuttingDown
	}
	if req == nil {
		req = &RequestContext{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	candidates := e.registry.Healthy()
	if len(candidates) == 0 {
		e.noHealthy.Add(1)
		e.metrics.RecordNoHealthyBackend()
		e.events.Publish(events.Event{
			Type:    events.BackendUnavailable,
			Message: "no healthy backend available",
			Data:    map[string]any{"registered": e.registry.Len()},
		})
		e.logger.Warn("no healthy backend available",
			observability.Int("registered", e.registry.Len()),
		)
		span.SetStatus(codes.Error, "no healthy backend")
		return nil, ErrNoHealthyBackend
	}

	if e.geoRouting && req.Region != "" {
		candidates = inRegion(candidates, req.Region)
	}

	chosen, strategy := e.sticky(candidates, req), "session"
	if chosen == nil {
		chosen, strategy = e.pick(candidates, req)
	}

	chosen.Acquire()
	e.aggregator.RequestStarted()
	if e.sessions != nil && req.SessionID != "" {
		e.sessions.Bind(req.SessionID, chosen.ID)
	}

	e.metrics.RecordSelection(chosen.ID, strategy)
	e.metrics.SetActiveConnections(chosen.ID, chosen.ActiveConnections())
	span.SetAttributes(
		attribute.String("backend.id", chosen.ID),
		attribute.String("balancer.strategy", strategy),
		attribute.Int("balancer.candidates", len(candidates)),
	)
	return chosen, nil
}

// sticky returns the bound backend of the request's session when it is
// still a candidate. Callers hold mu.
func (e *Engine) sticky(candidates []*backend.Server, req *RequestContext) *backend.Server {
	if e.sessions == nil || req.SessionID == "" {
		return nil
	}
	id, ok := e.sessions.Lookup(req.SessionID)
	if !ok {
		return nil
	}
	for _, s := range candidates {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// pick runs the configured strategy. Callers hold mu.
func (e *Engine) pick(candidates []*backend.Server, req *RequestContext) (*backend.Server, string) {
	name := e.algorithm
	if name == config.AlgorithmAdaptive {
		candidates = withoutRamping(candidates)
		load := SystemLoad(candidates)
		rate := e.aggregator.RequestsPerSecond()
		name = adaptiveChoice(e.thresholds, load, rate, candidates)
		if name != e.effective {
			e.logger.Debug("adaptive strategy changed",
				observability.String("from", e.effective),
				observability.String("to", name),
				observability.Float64("load", load),
				observability.Float64("rate", rate),
			)
		}
	}
	e.effective = name
	return e.strategies[name].Select(candidates, req), name
}

func inRegion(candidates []*backend.Server, region string) []*backend.Server {
	out := make([]*backend.Server, 0, len(candidates))
	for _, s := range candidates {
		if s.Region == region {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

// RecordRequestCompletion accounts a finished request on backend id and
// reports whether the backend is known. Failures feed the circuit breaker;
// successes close a half-open breaker and promote never-probed backends.
func (e *Engine) RecordRequestCompletion(id string, responseTime time.Duration, success bool) bool {
	s, ok := e.registry.Get(id)
	if !ok {
		e.aggregator.RequestsAbandoned(1)
		e.logger.Debug("completion for unknown backend", observability.String("backend", id))
		return false
	}

	active := s.Release()
	s.ObserveResponse(responseTime, success)
	e.aggregator.RequestCompleted(responseTime, success)
	e.metrics.RecordCompletion(id, responseTime, success)
	e.metrics.SetActiveConnections(id, active)

	if b, ok := e.registry.Breakers().Get(id); ok {
		if success {
			b.RecordSuccess()
		} else {
			b.RecordFailure()
		}
	}
	if success && e.health != nil {
		e.health.RecordPassiveSuccess(s)
	}
	return true
}

// Algorithm returns the configured algorithm.
func (e *Engine) Algorithm() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.algorithm
}

// SwitchAlgorithm changes the selection algorithm.
func (e *Engine) SwitchAlgorithm(name string) error {
	if !config.IsValidAlgorithm(name) {
		return util.NewConfigError("algorithm", fmt.Sprintf("unknown algorithm %q", name))
	}

	e.mu.Lock()
	prev := e.algorithm
	e.algorithm = name
	e.effective = ""
	e.mu.Unlock()

	if prev == name {
		return nil
	}
	e.metrics.SetAlgorithm(prev, name)
	e.logger.Info("selection algorithm switched",
		observability.String("from", prev),
		observability.String("to", name),
	)
	e.events.Publish(events.Event{
		Type: events.AlgorithmSwitched,
		Data: map[string]any{"from": prev, "to": name},
	})
	return nil
}

// UpdateBackendWeights applies new weights atomically and restarts weighted
// rotation from a clean state.
func (e *Engine) UpdateBackendWeights(weights map[string]int) error {
	if err := e.registry.UpdateWeights(weights); err != nil {
		return err
	}

	e.mu.Lock()
	e.strategies[config.AlgorithmWeightedRoundRobin].Reset()
	e.mu.Unlock()

	data := make(map[string]any, len(weights))
	for id, w := range weights {
		data[id] = w
	}
	e.logger.Info("backend weights updated", observability.Int("count", len(weights)))
	e.events.Publish(events.Event{Type: events.WeightsUpdated, Data: data})
	return nil
}

// SetGeographicRouting toggles region-aware candidate filtering.
func (e *Engine) SetGeographicRouting(enabled bool) {
	e.mu.Lock()
	changed := e.geoRouting != enabled
	e.geoRouting = enabled
	e.mu.Unlock()

	if !changed {
		return
	}
	e.logger.Info("geographic routing changed", observability.Bool("enabled", enabled))
	e.events.Publish(events.Event{
		Type: events.GeoRoutingChanged,
		Data: map[string]any{"enabled": enabled},
	})
}

// GeographicRouting reports whether region-aware filtering is enabled.
func (e *Engine) GeographicRouting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.geoRouting
}

// ConnectionPressure returns the system load of the healthy backends.
func (e *Engine) ConnectionPressure() float64 {
	return SystemLoad(e.registry.Healthy())
}

// BackendStatistics returns the statistics of every backend in insertion
// order.
func (e *Engine) BackendStatistics() []backend.Stats {
	servers := e.registry.All()
	out := make([]backend.Stats, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Snapshot())
	}
	return out
}

// DetailedMetrics is the full operational view of the engine.
type DetailedMetrics struct {
	Algorithm           string                         `json:"algorithm"`
	EffectiveAlgorithm  string                         `json:"effectiveAlgorithm,omitempty"`
	GeographicRouting   bool                           `json:"geographicRouting"`
	SessionPersistence  bool                           `json:"sessionPersistence"`
	Sessions            int                            `json:"sessions"`
	SystemLoad          float64                        `json:"systemLoad"`
	TotalBackends       int                            `json:"totalBackends"`
	HealthyBackends     int                            `json:"healthyBackends"`
	NoHealthyBackend    int64                          `json:"noHealthyBackend"`
	CircuitBreakerTrips int                            `json:"circuitBreakerTrips"`
	Requests            metrics.Snapshot               `json:"requests"`
	Backends            []backend.Stats                `json:"backends"`
	CircuitBreakers     map[string]circuitbreaker.Stats `json:"circuitBreakers"`
}

// DetailedMetrics returns the current operational view.
func (e *Engine) DetailedMetrics() DetailedMetrics {
	e.mu.Lock()
	algorithm, effective, geo := e.algorithm, e.effective, e.geoRouting
	e.mu.Unlock()

	healthy := e.registry.Healthy()
	dm := DetailedMetrics{
		Algorithm:           algorithm,
		GeographicRouting:   geo,
		SessionPersistence:  e.sessions != nil,
		SystemLoad:          SystemLoad(healthy),
		TotalBackends:       e.registry.Len(),
		HealthyBackends:     len(healthy),
		NoHealthyBackend:    e.noHealthy.Load(),
		CircuitBreakerTrips: e.registry.Breakers().TotalTrips(),
		Requests:            e.aggregator.Snapshot(),
		Backends:            e.BackendStatistics(),
		CircuitBreakers:     e.registry.Breakers().Snapshot(),
	}
	if algorithm == config.AlgorithmAdaptive {
		dm.EffectiveAlgorithm = effective
	}
	if e.sessions != nil {
		dm.Sessions = e.sessions.Len()
	}
	return dm
}

// ShutdownReport describes how Shutdown ended.
type ShutdownReport struct {
	// Forced is set when in-flight requests were still pending at the
	// deadline and were force-completed.
	Forced bool `json:"forced"`
	// Abandoned is the number of requests force-completed.
	Abandoned int64         `json:"abandoned"`
	Waited    time.Duration `json:"waited"`
}

// Shutdown stops accepting selections, stops every background timer and
// waits for in-flight requests to finish, bounded by the drain timeout and
// ctx. Pending requests are then force-completed.
func (e *Engine) Shutdown(ctx context.Context) ShutdownReport {
	start := time.Now()
	e.shuttingDown.Store(true)

	if e.health != nil {
		e.health.Stop()
	}
	if e.sessions != nil {
		e.sessions.Stop()
	}
	e.registry.Breakers().StopAll()

	ctx, cancel := context.WithTimeout(ctx, e.drain)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		active, _ := backend.Capacity(e.registry.All())
		if active == 0 {
			return ShutdownReport{Waited: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			abandoned := e.forceComplete()
			e.logger.Warn("drain timeout, force-completing requests",
				observability.Int64("abandoned", abandoned),
			)
			return ShutdownReport{Forced: true, Abandoned: abandoned, Waited: time.Since(start)}
		case <-ticker.C:
		}
	}
}

func (e *Engine) forceComplete() int64 {
	var n int64
	for _, s := range e.registry.All() {
		for s.ActiveConnections() > 0 {
			s.Release()
			n++
		}
		e.metrics.SetActiveConnections(s.ID, 0)
	}
	e.aggregator.RequestsAbandoned(n)
	return n
}

// IsShuttingDown reports whether Shutdown was called.
func (e *Engine) IsShuttingDown() bool {
	return e.shuttingDown.Load()
}

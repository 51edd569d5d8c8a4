// Package controlplane composes admission control and backend selection
// into the per-request decision flow of the traffic control plane, and owns
// the lifecycle of every background component.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/affinity"
	"github.com/vyrodovalexey/avatraffic/internal/backend"
	"github.com/vyrodovalexey/avatraffic/internal/balancer"
	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/health"
	"github.com/vyrodovalexey/avatraffic/internal/loadsampler"
	"github.com/vyrodovalexey/avatraffic/internal/metrics"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit"
	"github.com/vyrodovalexey/avatraffic/internal/ratelimit/store"
	"github.com/vyrodovalexey/avatraffic/internal/secrets"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// Outcome is the kind of an admission decision.
type Outcome string

const (
	// OutcomeRouted means the request was admitted and a backend chosen.
	OutcomeRouted Outcome = "routed"
	// OutcomeRejected means a rate limit rule denied the request.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnavailable means no backend could take the request.
	OutcomeUnavailable Outcome = "unavailable"
)

// Request is what the ingress knows about a request before dispatch.
type Request struct {
	Endpoint  string            `json:"endpoint"`
	Method    string            `json:"method"`
	ClientIP  string            `json:"clientIp"`
	UserID    string            `json:"userId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Region    string            `json:"region,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Decision is the result of Admit.
type Decision struct {
	Outcome   Outcome           `json:"outcome"`
	BackendID string            `json:"backendId,omitempty"`
	Address   string            `json:"address,omitempty"`
	RateLimit *ratelimit.Result `json:"rateLimit,omitempty"`
	// RetryAfter is set on rejection.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`

	// Backend is the chosen server. The caller must report its completion.
	Backend *backend.Server `json:"-"`
}

// ShutdownReport describes how Shutdown ended.
type ShutdownReport struct {
	balancer.ShutdownReport
	StoreError string `json:"storeError,omitempty"`
}

// ControlPlane owns every component of the control plane.
type ControlPlane struct {
	cfg     *config.Config
	version string

	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	bus     *events.Bus

	store      store.Store
	ownsStore  bool
	prober     backend.Prober
	cpu        loadsampler.CPUFunc
	cpuSet     bool
	resolver   *secrets.Resolver
	registry   *backend.Registry
	breakers   *circuitbreaker.Registry
	hc         *backend.HealthChecker
	sessions   *affinity.Table
	aggregator *metrics.Aggregator
	engine     *balancer.Engine
	sampler    *loadsampler.Sampler
	limiter    *ratelimit.Limiter
	checker    *health.Checker

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(cp *ControlPlane) { cp.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(cp *ControlPlane) { cp.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(cp *ControlPlane) { cp.tracer = t }
}

// WithEventBus sets the event bus.
func WithEventBus(bus *events.Bus) Option {
	return func(cp *ControlPlane) { cp.bus = bus }
}

// WithStore injects the rate limit store instead of building one from
// configuration. The control plane does not close an injected store.
func WithStore(s store.Store) Option {
	return func(cp *ControlPlane) { cp.store = s }
}

// WithProber overrides the probe built from the health check configuration.
func WithProber(p backend.Prober) Option {
	return func(cp *ControlPlane) { cp.prober = p }
}

// WithCPU overrides the load sampler CPU source. nil disables CPU sampling.
func WithCPU(fn loadsampler.CPUFunc) Option {
	return func(cp *ControlPlane) {
		cp.cpu = fn
		cp.cpuSet = true
	}
}

// WithSecrets sets the resolver of the store password.
func WithSecrets(r *secrets.Resolver) Option {
	return func(cp *ControlPlane) { cp.resolver = r }
}

// WithVersion sets the version reported by HealthCheck.
func WithVersion(v string) Option {
	return func(cp *ControlPlane) { cp.version = v }
}

// New builds a control plane from a validated configuration and registers
// the configured backends and rules.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*ControlPlane, error) {
	if cfg == nil {
		return nil, util.NewConfigError("config", "configuration is required")
	}
	cp := &ControlPlane{
		cfg:    cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(cp)
	}
	if cp.bus == nil {
		cp.bus = events.NewBus(events.WithLogger(cp.logger), events.WithMetrics(cp.metrics))
	}

	if err := cp.buildStore(ctx); err != nil {
		return nil, err
	}
	if err := cp.buildBalancer(); err != nil {
		cp.closeStore()
		return nil, err
	}
	if err := cp.buildLimiter(); err != nil {
		cp.closeStore()
		return nil, err
	}
	cp.buildHealth()

	for _, bc := range cfg.Backends {
		if _, err := cp.engine.AddBackend(SpecFromConfig(bc)); err != nil {
			cp.closeStore()
			return nil, fmt.Errorf("failed to add backend %s:%d: %w", bc.Host, bc.Port, err)
		}
	}

	cp.logger.Info("control plane created",
		observability.String("algorithm", cp.engine.Algorithm()),
		observability.Int("backends", cp.registry.Len()),
		observability.Int("rules", len(cp.limiter.Rules())),
		observability.String("store", cfg.RateLimit.Store),
	)
	return cp, nil
}

func (cp *ControlPlane) buildStore(ctx context.Context) error {
	if cp.store != nil {
		return nil
	}
	cp.ownsStore = true

	switch cp.cfg.RateLimit.Store {
	case config.StoreMemory:
		cp.store = store.NewMemoryStore(0)
		return nil
	case config.StoreRedis, "":
	default:
		return util.NewConfigError("rateLimit.store", fmt.Sprintf("unknown store %q", cp.cfg.RateLimit.Store))
	}

	if cp.resolver == nil {
		r, err := secrets.NewResolverFromConfig(cp.cfg.Vault, cp.logger)
		if err != nil {
			return fmt.Errorf("failed to set up secrets: %w", err)
		}
		cp.resolver = r
	}
	password, err := cp.resolver.StorePassword(ctx, cp.cfg.Vault, cp.cfg.Redis.Password)
	if err != nil {
		return err
	}

	rc := cp.cfg.Redis
	s, err := store.NewRedisStore(ctx, store.RedisConfig{
		Address:           rc.Address,
		Password:          password,
		DB:                rc.DB,
		Prefix:            cp.cfg.RateLimit.KeyPrefix,
		PoolSize:          rc.PoolSize,
		DialTimeout:       rc.DialTimeout.Duration(),
		ReadTimeout:       rc.ReadTimeout.Duration(),
		WriteTimeout:      rc.WriteTimeout.Duration(),
		ConnectionRetries: rc.ConnectionRetries,
		Logger:            cp.logger,
		Metrics:           cp.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to rate limit store: %w", err)
	}
	cp.store = s
	return nil
}

func (cp *ControlPlane) buildBalancer() error {
	cfg := cp.cfg

	cp.breakers = circuitbreaker.NewRegistry(
		circuitbreaker.Config{
			Threshold: cfg.CircuitBreaker.Threshold,
			Cooldown:  cfg.CircuitBreaker.Cooldown.Duration(),
		},
		circuitbreaker.WithLogger(cp.logger),
		circuitbreaker.WithMetrics(cp.metrics),
		circuitbreaker.WithEvents(cp.bus),
	)
	cp.registry = backend.NewRegistry(cp.breakers,
		backend.WithLogger(cp.logger),
		backend.WithMetrics(cp.metrics),
		backend.WithEvents(cp.bus),
		backend.WithDefaultMaxConnections(cfg.Balancer.DefaultMaxConnections),
		backend.WithEWMAAlpha(cfg.Metrics.EWMAAlpha),
	)

	hcOpts := []backend.HealthCheckOption{
		backend.WithHealthCheckLogger(cp.logger),
		backend.WithHealthCheckMetrics(cp.metrics),
		backend.WithHealthCheckEvents(cp.bus),
	}
	if cp.prober != nil {
		hcOpts = append(hcOpts, backend.WithProber(cp.prober))
	}
	cp.hc = backend.NewHealthChecker(cp.registry, cfg.HealthCheck, hcOpts...)

	cp.aggregator = metrics.NewAggregator(
		cfg.Metrics.EWMAAlpha,
		cfg.Metrics.MaxSamples,
		cfg.Metrics.RateWindow.Duration(),
	)

	engineOpts := []balancer.Option{
		balancer.WithLogger(cp.logger),
		balancer.WithMetrics(cp.metrics),
		balancer.WithEvents(cp.bus),
		balancer.WithTracer(cp.tracer),
		balancer.WithHealthChecker(cp.hc),
		balancer.WithAggregator(cp.aggregator),
		balancer.WithDrainTimeout(cfg.Shutdown.DrainTimeout.Duration()),
	}
	if cfg.Session.Enabled {
		cp.sessions = affinity.NewTable(
			cfg.Session.Timeout.Duration(),
			cfg.Session.SweepInterval.Duration(),
			affinity.WithLogger(cp.logger),
		)
		engineOpts = append(engineOpts, balancer.WithSessions(cp.sessions))
	}

	engine, err := balancer.NewEngine(cp.registry, cfg.Balancer, engineOpts...)
	if err != nil {
		return err
	}
	cp.engine = engine

	samplerOpts := []loadsampler.Option{
		loadsampler.WithLogger(cp.logger),
		loadsampler.WithMetrics(cp.metrics),
		loadsampler.WithEvents(cp.bus),
		loadsampler.WithPressure(engine.ConnectionPressure),
	}
	if cp.cpuSet {
		samplerOpts = append(samplerOpts, loadsampler.WithCPU(cp.cpu))
	}
	cp.sampler = loadsampler.New(cfg.LoadSampler, samplerOpts...)
	return nil
}

func (cp *ControlPlane) buildLimiter() error {
	l, err := ratelimit.NewLimiter(cp.store, cp.cfg.RateLimit,
		ratelimit.WithLogger(cp.logger),
		ratelimit.WithMetrics(cp.metrics),
		ratelimit.WithEvents(cp.bus),
		ratelimit.WithTracer(cp.tracer),
		ratelimit.WithMultiplier(cp.sampler),
	)
	if err != nil {
		return err
	}
	cp.limiter = l
	return l.ReplaceRules(RulesFromConfig(cp.cfg.Rules))
}

func (cp *ControlPlane) buildHealth() {
	down := health.StatusDegraded
	if !cp.cfg.RateLimit.FailOpen {
		down = health.StatusUnhealthy
	}
	cp.checker = health.NewChecker(cp.version)
	cp.checker.RegisterCheck("store", health.PingCheck(cp.store.Ping, down))
	cp.checker.RegisterCheck("backends", health.PoolCheck(func() (int, int) {
		return len(cp.registry.Healthy()), cp.registry.Len()
	}))
	cp.checker.RegisterCheck("shutdown", func(context.Context) health.Check {
		if cp.engine.IsShuttingDown() {
			return health.Check{Status: health.StatusUnhealthy, Message: "shutting down"}
		}
		return health.Check{Status: health.StatusHealthy}
	})
}

// SpecFromConfig converts a configured backend.
func SpecFromConfig(bc config.BackendConfig) backend.Spec {
	return backend.Spec{
		ID:             bc.ID,
		Host:           bc.Host,
		Port:           bc.Port,
		Weight:         bc.Weight,
		Priority:       bc.Priority,
		Region:         bc.Region,
		Zone:           bc.Zone,
		MaxConnections: bc.MaxConnections,
		Metadata:       bc.Metadata,
	}
}

// RulesFromConfig converts configured rules.
func RulesFromConfig(rcs []config.RuleConfig) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(rcs))
	for _, rc := range rcs {
		out = append(out, ratelimit.RuleFromConfig(rc))
	}
	return out
}

// Start launches the health checker, the affinity sweep and the load
// sampler. It is idempotent.
func (cp *ControlPlane) Start(ctx context.Context) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.started || cp.stopped {
		return
	}
	cp.started = true

	ctx, cp.cancel = context.WithCancel(ctx)
	if cp.cfg.HealthCheck.Enabled {
		cp.hc.Start(ctx)
	}
	if cp.sessions != nil {
		cp.sessions.Start()
	}
	if cp.cfg.LoadSampler.Enabled {
		cp.sampler.Start(ctx)
	}
	cp.logger.Info("control plane started")
}

// Admit runs the admission gate and, when the request passes, selects a
// backend. A routed decision accounts the request as in flight; report its
// end with Complete.
func (cp *ControlPlane) Admit(ctx context.Context, req Request) Decision {
	rl := cp.limiter.CheckRateLimit(ctx, ratelimit.Request{
		Endpoint: req.Endpoint,
		Method:   req.Method,
		IP:       req.ClientIP,
		UserID:   req.UserID,
		Headers:  req.Headers,
	})
	if !rl.Allowed {
		return Decision{Outcome: OutcomeRejected, RateLimit: rl, RetryAfter: rl.RetryAfter}
	}

	s, err := cp.engine.SelectBackend(ctx, &balancer.RequestContext{
		ClientIP:  req.ClientIP,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Region:    req.Region,
		Headers:   req.Headers,
		Timestamp: time.Now(),
	})
	if err != nil {
		if !errors.Is(err, balancer.ErrNoHealthyBackend) && !errors.Is(err, util.ErrShuttingDown) {
			cp.logger.Error("backend selection failed", observability.Error(err))
		}
		return Decision{Outcome: OutcomeUnavailable, RateLimit: rl}
	}
	return Decision{
		Outcome:   OutcomeRouted,
		BackendID: s.ID,
		Address:   s.Address(),
		RateLimit: rl,
		Backend:   s,
	}
}

// Complete reports the end of a routed request.
func (cp *ControlPlane) Complete(backendID string, responseTime time.Duration, success bool) bool {
	return cp.engine.RecordRequestCompletion(backendID, responseTime, success)
}

// HealthCheck aggregates store reachability, backend availability and
// shutdown state.
func (cp *ControlPlane) HealthCheck(ctx context.Context) health.Report {
	return cp.checker.Run(ctx)
}

// ApplyConfig applies the hot-reloadable parts of cfg: rules, algorithm,
// geographic routing, weights of known backends and new backends. cfg is
// validated as a whole first, so a rejected reload changes nothing.
func (cp *ControlPlane) ApplyConfig(cfg *config.Config) error {
	rules := RulesFromConfig(cfg.Rules)
	weights, added, err := cp.planApply(cfg, rules)
	if err != nil {
		return err
	}

	if err := cp.limiter.ReplaceRules(rules); err != nil {
		return err
	}
	if cfg.Balancer.Algorithm != "" && cfg.Balancer.Algorithm != cp.engine.Algorithm() {
		if err := cp.engine.SwitchAlgorithm(cfg.Balancer.Algorithm); err != nil {
			return err
		}
	}
	if cfg.Balancer.GeographicRouting != cp.engine.GeographicRouting() {
		cp.engine.SetGeographicRouting(cfg.Balancer.GeographicRouting)
	}
	if len(weights) > 0 {
		if err := cp.engine.UpdateBackendWeights(weights); err != nil {
			return err
		}
	}
	for _, spec := range added {
		if _, err := cp.engine.AddBackend(spec); err != nil {
			return err
		}
	}

	cp.mu.Lock()
	cp.cfg = cfg
	cp.mu.Unlock()

	cp.bus.Publish(events.Event{Type: events.ConfigReloaded, Time: time.Now()})
	cp.logger.Info("configuration applied",
		observability.Int("rules", len(cfg.Rules)),
		observability.String("algorithm", cp.engine.Algorithm()),
	)
	return nil
}

// planApply checks cfg against the running state and returns the weight
// changes for known backends and the specs of new ones.
func (cp *ControlPlane) planApply(
	cfg *config.Config,
	rules []ratelimit.Rule,
) (map[string]int, []backend.Spec, error) {
	if err := cp.limiter.ValidateRules(rules); err != nil {
		return nil, nil, err
	}
	if cfg.Balancer.Algorithm != "" && !config.IsValidAlgorithm(cfg.Balancer.Algorithm) {
		return nil, nil, util.NewConfigError("balancer.algorithm",
			fmt.Sprintf("unknown algorithm %q", cfg.Balancer.Algorithm))
	}

	weights := make(map[string]int)
	var added []backend.Spec
	seen := make(map[string]struct{}, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		if bc.ID == "" {
			continue
		}
		if _, dup := seen[bc.ID]; dup {
			return nil, nil, util.NewConfigError("backends.id",
				fmt.Sprintf("backend %q listed twice", bc.ID))
		}
		seen[bc.ID] = struct{}{}

		if s, ok := cp.registry.Get(bc.ID); ok {
			if s.Weight() == bc.Weight {
				continue
			}
			if err := util.ValidateWeight(bc.Weight); err != nil {
				return nil, nil, util.NewConfigErrorWithCause("backends.weight",
					fmt.Sprintf("backend %q", bc.ID), err)
			}
			weights[bc.ID] = bc.Weight
			continue
		}
		spec := SpecFromConfig(bc)
		if err := backend.ValidateSpec(spec); err != nil {
			return nil, nil, err
		}
		added = append(added, spec)
	}
	return weights, added, nil
}

// Shutdown stops background work, drains in-flight requests and closes the
// store it owns. Later calls return an empty report.
func (cp *ControlPlane) Shutdown(ctx context.Context) ShutdownReport {
	cp.mu.Lock()
	if cp.stopped {
		cp.mu.Unlock()
		return ShutdownReport{}
	}
	cp.stopped = true
	cancel := cp.cancel
	cp.mu.Unlock()

	cp.bus.Publish(events.Event{Type: events.ShutdownStarted, Time: time.Now()})
	cp.logger.Info("control plane shutting down")

	cp.sampler.Stop()
	report := ShutdownReport{ShutdownReport: cp.engine.Shutdown(ctx)}
	if cancel != nil {
		cancel()
	}
	if err := cp.closeStore(); err != nil {
		report.StoreError = err.Error()
	}

	cp.bus.Publish(events.Event{
		Type: events.ShutdownCompleted,
		Data: map[string]any{"forced": report.Forced, "abandoned": report.Abandoned},
		Time: time.Now(),
	})
	cp.logger.Info("control plane stopped",
		observability.Bool("forced", report.Forced),
		observability.Int64("abandoned", report.Abandoned),
		observability.Duration("waited", report.Waited),
	)
	return report
}

func (cp *ControlPlane) closeStore() error {
	if !cp.ownsStore || cp.store == nil {
		return nil
	}
	return cp.store.Close()
}

// Engine returns the selection engine.
func (cp *ControlPlane) Engine() *balancer.Engine { return cp.engine }

// Limiter returns the rate limiter.
func (cp *ControlPlane) Limiter() *ratelimit.Limiter { return cp.limiter }

// Sampler returns the load sampler.
func (cp *ControlPlane) Sampler() *loadsampler.Sampler { return cp.sampler }

// Events returns the event bus.
func (cp *ControlPlane) Events() *events.Bus { return cp.bus }

// Metrics returns the metrics sink, possibly nil.
func (cp *ControlPlane) Metrics() *observability.Metrics { return cp.metrics }

// HealthChecker returns the backend health checker.
func (cp *ControlPlane) HealthChecker() *backend.HealthChecker { return cp.hc }

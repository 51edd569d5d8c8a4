package backend

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Health check default configuration constants.
const (
	// DefaultHealthCheckTimeout is the default timeout of a single probe.
	DefaultHealthCheckTimeout = 2 * time.Second

	// DefaultHealthCheckInterval is the default interval between rounds.
	DefaultHealthCheckInterval = 10 * time.Second

	// DefaultHealthyThreshold is the default number of consecutive successes
	// required to mark a backend healthy.
	DefaultHealthyThreshold = 1

	// DefaultUnhealthyThreshold is the default number of consecutive failures
	// required to mark a backend unhealthy.
	DefaultUnhealthyThreshold = 1
)

type rampTimer struct {
	timer *time.Timer
	seq   uint64
}

// HealthChecker probes every registered backend at a fixed interval and
// drives its health status. Probe errors never leave the checker.
type HealthChecker struct {
	registry *Registry
	prober   Prober
	logger   observability.Logger
	metrics  *observability.Metrics
	events   events.Publisher

	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	slowStart          time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	stopped   bool

	mu              sync.Mutex
	healthyCounts   map[string]int
	unhealthyCounts map[string]int
	ramps           map[string]rampTimer
	rampSeq         uint64
}

// HealthCheckOption is a functional option for configuring the health checker.
type HealthCheckOption func(*HealthChecker)

// WithHealthCheckLogger sets the logger for the health checker.
func WithHealthCheckLogger(logger observability.Logger) HealthCheckOption {
	return func(hc *HealthChecker) { hc.logger = logger }
}

// WithHealthCheckMetrics sets the metrics sink for the health checker.
func WithHealthCheckMetrics(m *observability.Metrics) HealthCheckOption {
	return func(hc *HealthChecker) { hc.metrics = m }
}

// WithHealthCheckEvents sets the event publisher for the health checker.
func WithHealthCheckEvents(p events.Publisher) HealthCheckOption {
	return func(hc *HealthChecker) { hc.events = p }
}

// WithProber overrides the prober derived from the configured probe type.
func WithProber(p Prober) HealthCheckOption {
	return func(hc *HealthChecker) { hc.prober = p }
}

// NewHealthChecker creates a health checker over the backends of registry.
func NewHealthChecker(registry *Registry, cfg config.HealthCheckConfig, opts ...HealthCheckOption) *HealthChecker {
	hc := &HealthChecker{
		registry:           registry,
		logger:             observability.NopLogger(),
		events:             events.NopPublisher{},
		interval:           cfg.Interval.Duration(),
		timeout:            cfg.Timeout.Duration(),
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		slowStart:          cfg.SlowStart.Duration(),
		stopCh:             make(chan struct{}),
		stoppedCh:          make(chan struct{}),
		healthyCounts:      make(map[string]int),
		unhealthyCounts:    make(map[string]int),
		ramps:              make(map[string]rampTimer),
	}

	if hc.interval <= 0 {
		hc.interval = DefaultHealthCheckInterval
	}
	if hc.timeout <= 0 {
		hc.timeout = DefaultHealthCheckTimeout
	}
	if hc.healthyThreshold <= 0 {
		hc.healthyThreshold = DefaultHealthyThreshold
	}
	if hc.unhealthyThreshold <= 0 {
		hc.unhealthyThreshold = DefaultUnhealthyThreshold
	}

	for _, opt := range opts {
		opt(hc)
	}

	if hc.prober == nil {
		p, err := NewProber(cfg, hc.logger)
		if err != nil {
			hc.logger.Warn("falling back to tcp probes", observability.Error(err))
			p = NewTCPProber()
		}
		hc.prober = p
	}
	return hc
}

// Start runs the probe loop until Stop is called or ctx is done.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running || hc.stopped {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.mu.Unlock()

	go hc.run(ctx)
}

// Stop stops the probe loop, cancels every ramp timer and releases pooled
// probe connections. It is safe to call more than once.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if hc.stopped {
		hc.mu.Unlock()
		return
	}
	hc.stopped = true
	wasRunning := hc.running
	hc.running = false
	for id, r := range hc.ramps {
		r.timer.Stop()
		delete(hc.ramps, id)
	}
	hc.mu.Unlock()

	close(hc.stopCh)
	if wasRunning {
		<-hc.stoppedCh
	}
	if c, ok := hc.prober.(interface{ Close() }); ok {
		c.Close()
	}
}

// IsRunning reports whether the probe loop is running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.running
}

func (hc *HealthChecker) run(ctx context.Context) {
	defer close(hc.stoppedCh)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.CheckNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.CheckNow(ctx)
		}
	}
}

// CheckNow probes every registered backend concurrently and waits for all
// probes to finish.
func (hc *HealthChecker) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range hc.registry.All() {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			hc.check(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (hc *HealthChecker) check(ctx context.Context, s *Server) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := hc.prober.Probe(probeCtx, s)
	elapsed := time.Since(start)
	s.markChecked(time.Now())

	hc.metrics.RecordHealthCheck(s.ID, elapsed, err == nil)
	if err != nil {
		hc.recordFailure(s, err)
		return
	}
	hc.recordSuccess(s)
}

func (hc *HealthChecker) recordSuccess(s *Server) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.healthyCounts[s.ID]++
	hc.unhealthyCounts[s.ID] = 0

	if hc.healthyCounts[s.ID] < hc.healthyThreshold || s.Status() == StatusHealthy {
		return
	}
	prev := s.SetStatus(StatusHealthy)
	hc.becameHealthy(s, prev)
}

func (hc *HealthChecker) recordFailure(s *Server, err error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.unhealthyCounts[s.ID]++
	hc.healthyCounts[s.ID] = 0

	if hc.unhealthyCounts[s.ID] < hc.unhealthyThreshold || s.Status() == StatusUnhealthy {
		return
	}
	prev := s.SetStatus(StatusUnhealthy)
	hc.cancelRampLocked(s)

	hc.logger.Warn("backend became unhealthy",
		observability.String("backend", s.ID),
		observability.String("address", s.Address()),
		observability.Error(err),
	)
	if prev == StatusHealthy {
		hc.metrics.IncHealthCheckFailures()
	}
	hc.metrics.SetBackendHealth(s.ID, false)
	hc.events.Publish(events.Event{
		Type:      events.BackendUnhealthy,
		BackendID: s.ID,
		Message:   err.Error(),
		Data:      map[string]any{"from": prev.String()},
	})
}

// becameHealthy reports a transition to healthy. Callers hold mu.
func (hc *HealthChecker) becameHealthy(s *Server, prev Status) {
	hc.logger.Info("backend became healthy",
		observability.String("backend", s.ID),
		observability.String("address", s.Address()),
		observability.String("from", prev.String()),
	)
	hc.metrics.SetBackendHealth(s.ID, true)
	hc.events.Publish(events.Event{
		Type:      events.BackendHealthy,
		BackendID: s.ID,
		Data:      map[string]any{"from": prev.String()},
	})

	if prev == StatusUnhealthy && hc.slowStart > 0 {
		hc.startRampLocked(s)
	}
}

func (hc *HealthChecker) startRampLocked(s *Server) {
	if hc.stopped {
		return
	}
	hc.cancelRampLocked(s)
	s.SetRamping(true)

	hc.rampSeq++
	seq := hc.rampSeq
	id := s.ID
	t := time.AfterFunc(hc.slowStart, func() { hc.finishRamp(s, id, seq) })
	hc.ramps[id] = rampTimer{timer: t, seq: seq}
}

func (hc *HealthChecker) finishRamp(s *Server, id string, seq uint64) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	r, ok := hc.ramps[id]
	if !ok || r.seq != seq {
		return
	}
	delete(hc.ramps, id)
	s.SetRamping(false)

	hc.logger.Info("backend slow start complete", observability.String("backend", id))
	hc.events.Publish(events.Event{Type: events.BackendRampComplete, BackendID: id})
}

func (hc *HealthChecker) cancelRampLocked(s *Server) {
	if r, ok := hc.ramps[s.ID]; ok {
		r.timer.Stop()
		delete(hc.ramps, s.ID)
	}
	s.SetRamping(false)
}

// RecordPassiveSuccess promotes a backend that was never probed to healthy
// after a successful request. Other statuses are left to the probes.
func (hc *HealthChecker) RecordPassiveSuccess(s *Server) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if s.Status() != StatusUnknown {
		return
	}
	hc.becameHealthy(s, s.SetStatus(StatusHealthy))
}

// Forget drops the probe counters and ramp timer of a removed backend.
func (hc *HealthChecker) Forget(s *Server) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	delete(hc.healthyCounts, s.ID)
	delete(hc.unhealthyCounts, s.ID)
	hc.cancelRampLocked(s)
}

// PendingRamps returns the number of armed slow start timers.
func (hc *HealthChecker) PendingRamps() int {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return len(hc.ramps)
}

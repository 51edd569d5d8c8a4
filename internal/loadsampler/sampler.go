// Package loadsampler samples system load and derives the dynamic
// multiplier that scales rate limits down while the host is under pressure.
package loadsampler

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/vyrodovalexey/avatraffic/internal/config"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Default settings.
const (
	DefaultInterval     = 5 * time.Second
	DefaultThreshold    = 0.8
	DefaultFloor        = 0.5
	DefaultRecoveryStep = 0.1
)

// CPUFunc returns the host CPU utilisation as a fraction in [0, 1].
type CPUFunc func(ctx context.Context) (float64, error)

// PressureFunc returns the connection pressure, active over capacity.
type PressureFunc func() float64

// HostCPU samples the host CPU through gopsutil. The first call after start
// compares against boot time; later calls measure since the previous call.
func HostCPU(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return clamp(pct[0]/100, 0, 1), nil
}

// Step computes the next multiplier. Above the threshold the multiplier
// drops by the excess load, never below floor; otherwise it recovers by
// step, never above 1.
func Step(current, load, threshold, floor, step float64) float64 {
	var next float64
	if load > threshold {
		next = math.Max(floor, current-(load-threshold))
	} else {
		next = math.Min(1, current+step)
	}
	return math.Round(next*1e9) / 1e9
}

// Sampler owns the dynamic multiplier.
type Sampler struct {
	interval  time.Duration
	threshold float64
	floor     float64
	step      float64

	cpu      CPUFunc
	pressure PressureFunc
	logger   observability.Logger
	metrics  *observability.Metrics
	events   events.Publisher

	multiplier atomic.Uint64
	load       atomic.Uint64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Sampler) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sampler) { s.metrics = m }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(s *Sampler) { s.events = p }
}

// WithCPU sets the CPU source. A nil func disables CPU sampling.
func WithCPU(fn CPUFunc) Option {
	return func(s *Sampler) { s.cpu = fn }
}

// WithPressure sets the connection pressure source.
func WithPressure(fn PressureFunc) Option {
	return func(s *Sampler) { s.pressure = fn }
}

// New creates a sampler with a multiplier of 1.
func New(cfg config.LoadSamplerConfig, opts ...Option) *Sampler {
	s := &Sampler{
		interval:  cfg.Interval.Duration(),
		threshold: cfg.Threshold,
		floor:     cfg.Floor,
		step:      cfg.RecoveryStep,
		logger:    observability.NopLogger(),
		events:    events.NopPublisher{},
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.floor <= 0 || s.floor > 1 {
		s.floor = DefaultFloor
	}
	if s.step <= 0 {
		s.step = DefaultRecoveryStep
	}
	if cfg.SampleCPU {
		s.cpu = HostCPU
	}
	for _, opt := range opts {
		opt(s)
	}
	s.multiplier.Store(math.Float64bits(1))
	s.metrics.SetMultiplier(1)
	return s
}

// Multiplier returns the current dynamic multiplier.
func (s *Sampler) Multiplier() float64 {
	return math.Float64frombits(s.multiplier.Load())
}

// Load returns the last observed load.
func (s *Sampler) Load() float64 {
	return math.Float64frombits(s.load.Load())
}

// Observe applies one tick with the given load and returns the new
// multiplier.
func (s *Sampler) Observe(load float64) float64 {
	s.load.Store(math.Float64bits(load))
	s.metrics.SetSystemLoad(load)

	prev := s.Multiplier()
	next := Step(prev, load, s.threshold, s.floor, s.step)
	if next == prev {
		return next
	}
	s.multiplier.Store(math.Float64bits(next))
	s.metrics.SetMultiplier(next)

	s.logger.Debug("dynamic multiplier changed",
		observability.Float64("from", prev),
		observability.Float64("to", next),
		observability.Float64("load", load),
	)
	s.events.Publish(events.Event{
		Type: events.MultiplierChanged,
		Data: map[string]any{"from": prev, "to": next, "load": load},
	})
	return next
}

// Sample measures the current load: the larger of the CPU fraction and the
// connection pressure.
func (s *Sampler) Sample(ctx context.Context) float64 {
	var load float64
	if s.pressure != nil {
		load = s.pressure()
	}
	if s.cpu != nil {
		c, err := s.cpu(ctx)
		if err != nil {
			s.logger.Debug("cpu sample failed", observability.Error(err))
		} else {
			load = math.Max(load, c)
		}
	}
	return clamp(load, 0, 1)
}

// Tick samples the load and applies it.
func (s *Sampler) Tick(ctx context.Context) float64 {
	return s.Observe(s.Sample(ctx))
}

// Start runs Tick at the configured interval until Stop or ctx is done.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.stopCh, s.doneCh)
}

func (s *Sampler) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends the sampling loop.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

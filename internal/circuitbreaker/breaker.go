// Package circuitbreaker implements the per-backend circuit breakers that
// gate traffic independently of active health checks.
//
// A breaker opens after a configured number of consecutive failed
// completions, moves to half-open by itself once its cooldown elapses, and
// closes again on the next successful completion. Cooldowns are cancellable
// timers so that shutdown leaves nothing scheduled.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed lets traffic through.
	StateClosed State = iota
	// StateOpen rejects traffic until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets traffic through to test recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker settings.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before turning half-open.
	Cooldown time.Duration
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Threshold < 1 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Breaker is the failure state machine of one backend.
type Breaker struct {
	name    string
	cfg     Config
	logger  observability.Logger
	metrics *observability.Metrics
	events  events.Publisher
	// total counts trips across the owning registry.
	total *atomic.Int64

	mu              sync.Mutex
	state           State
	failures        int
	trips           int
	lastFailure     time.Time
	lastStateChange time.Time
	cooldown        *time.Timer
	generation      uint64
	stopped         bool
}

func newBreaker(name string, cfg Config, r *Registry) *Breaker {
	b := &Breaker{
		name:            name,
		cfg:             cfg,
		logger:          r.logger,
		metrics:         r.metrics,
		events:          r.events,
		total:           &r.trips,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
	b.metrics.SetCircuitBreakerState(name, int(StateClosed))
	return b
}

// Name returns the backend the breaker belongs to.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether traffic may be routed through the breaker.
func (b *Breaker) Allow() bool {
	return b.State() != StateOpen
}

// RecordSuccess records a successful completion.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.failures = 0
		b.transition(StateClosed)
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure records a failed completion. The failure count is kept when
// the breaker turns half-open, so a failure while half-open trips it again.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == StateOpen {
		return
	}
	if b.failures >= b.cfg.Threshold {
		b.trip()
	}
}

// trip opens the breaker and arms the cooldown. Callers hold mu.
func (b *Breaker) trip() {
	b.trips++
	b.total.Add(1)
	b.metrics.IncCircuitBreakerTrips(b.name)
	b.transition(StateOpen)
	b.armCooldown()
}

func (b *Breaker) armCooldown() {
	if b.stopped {
		return
	}
	if b.cooldown != nil {
		b.cooldown.Stop()
	}
	b.generation++
	gen := b.generation
	b.cooldown = time.AfterFunc(b.cfg.Cooldown, func() { b.halfOpen(gen) })
}

func (b *Breaker) halfOpen(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped || gen != b.generation || b.state != StateOpen {
		return
	}
	b.cooldown = nil
	b.transition(StateHalfOpen)
}

// transition moves to next and reports it. Callers hold mu.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	b.lastStateChange = time.Now()
	b.metrics.SetCircuitBreakerState(b.name, int(next))

	b.logger.Info("circuit breaker state changed",
		observability.String("backend", b.name),
		observability.String("from", prev.String()),
		observability.String("to", next.String()),
		observability.Int("failures", b.failures),
	)

	var t events.Type
	switch next {
	case StateOpen:
		t = events.CircuitOpen
	case StateHalfOpen:
		t = events.CircuitHalfOpen
	default:
		t = events.CircuitClosed
	}
	b.events.Publish(events.Event{
		Type:      t,
		BackendID: b.name,
		Data: map[string]any{
			"from":     prev.String(),
			"failures": b.failures,
			"trips":    b.trips,
		},
	})
}

// Reset closes the breaker and cancels any pending cooldown.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelCooldown()
	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Stop cancels the pending cooldown, if any. A stopped breaker never
// schedules another one.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.cancelCooldown()
}

func (b *Breaker) cancelCooldown() {
	if b.cooldown != nil {
		b.cooldown.Stop()
		b.cooldown = nil
	}
	b.generation++
}

// hasPendingCooldown reports whether a cooldown timer is armed.
func (b *Breaker) hasPendingCooldown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown != nil
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Trips           int       `json:"trips"`
	LastFailure     time.Time `json:"lastFailure"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Stats returns the current statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state.String(),
		Failures:        b.failures,
		Trips:           b.trips,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

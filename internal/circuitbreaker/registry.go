package circuitbreaker

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Registry owns one breaker per backend.
type Registry struct {
	cfg     Config
	logger  observability.Logger
	metrics *observability.Metrics
	events  events.Publisher

	mu       sync.RWMutex
	breakers map[string]*Breaker
	closed   atomic.Bool
	trips    atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg.normalized(),
		logger:   observability.NopLogger(),
		events:   events.NopPublisher{},
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the settings new breakers are created with.
func (r *Registry) Config() Config {
	return r.cfg
}

// Get returns the breaker of a backend.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// GetOrCreate returns the breaker of a backend, creating a closed one if
// needed.
func (r *Registry) GetOrCreate(name string) *Breaker {
	if b, ok := r.Get(name); ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, r.cfg, r)
	if r.closed.Load() {
		b.stopped = true
	}
	r.breakers[name] = b
	return b
}

// Allow reports whether the backend's breaker lets traffic through. Unknown
// backends are allowed.
func (r *Registry) Allow(name string) bool {
	b, ok := r.Get(name)
	return !ok || b.Allow()
}

// Remove stops and deletes the breaker of a backend.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	delete(r.breakers, name)
	r.mu.Unlock()

	if ok {
		b.Stop()
	}
}

// StopAll cancels every pending cooldown. Breakers keep their state but no
// timer fires afterwards.
func (r *Registry) StopAll() {
	r.closed.Store(true)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Stop()
	}
}

// TotalTrips returns the number of trips of every breaker the registry has
// created, including breakers removed since.
func (r *Registry) TotalTrips() int {
	return int(r.trips.Load())
}

// Snapshot returns the statistics of every breaker keyed by backend.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

// Names returns the backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package backend

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avatraffic/internal/circuitbreaker"
	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
	"github.com/vyrodovalexey/avatraffic/internal/util"
)

// DefaultMaxConnections is the capacity assumed for backends that do not
// declare one.
const DefaultMaxConnections = 100

// Registry owns the backend servers and their circuit breakers. Iteration
// follows insertion order.
type Registry struct {
	breakers *circuitbreaker.Registry
	logger   observability.Logger
	metrics  *observability.Metrics
	events   events.Publisher
	maxConns int
	alpha    float64

	mu    sync.RWMutex
	order []*Server
	byID  map[string]*Server
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) RegistryOption {
	return func(r *Registry) { r.events = p }
}

// WithDefaultMaxConnections sets the capacity of backends that declare none.
func WithDefaultMaxConnections(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxConns = n
		}
	}
}

// WithEWMAAlpha sets the smoothing factor of response time averages.
func WithEWMAAlpha(alpha float64) RegistryOption {
	return func(r *Registry) {
		if alpha > 0 && alpha <= 1 {
			r.alpha = alpha
		}
	}
}

// NewRegistry creates an empty registry. Breakers are created in breakers
// alongside each backend.
func NewRegistry(breakers *circuitbreaker.Registry, opts ...RegistryOption) *Registry {
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	r := &Registry{
		breakers: breakers,
		logger:   observability.NopLogger(),
		events:   events.NopPublisher{},
		maxConns: DefaultMaxConnections,
		alpha:    DefaultEWMAAlpha,
		byID:     make(map[string]*Server),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breakers returns the breaker registry.
func (r *Registry) Breakers() *circuitbreaker.Registry {
	return r.breakers
}

// ValidateSpec checks a backend spec without registering it.
func ValidateSpec(spec Spec) error {
	if err := util.ValidateHost(spec.Host); err != nil {
		return util.NewConfigErrorWithCause("backend.host", "invalid host", err)
	}
	if err := util.ValidatePort(spec.Port); err != nil {
		return util.NewConfigErrorWithCause("backend.port", "invalid port", err)
	}
	if err := util.ValidateWeight(spec.Weight); err != nil {
		return util.NewConfigErrorWithCause("backend.weight", "invalid weight", err)
	}
	if spec.MaxConnections < 0 {
		return util.NewConfigError("backend.maxConnections", "must not be negative")
	}
	return nil
}

// Add registers a backend with zero counters and a closed breaker. An empty
// ID is replaced by a generated one.
func (r *Registry) Add(spec Spec) (*Server, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}

	r.mu.Lock()
	if _, exists := r.byID[spec.ID]; exists {
		r.mu.Unlock()
		return nil, util.NewConfigError("backend.id", fmt.Sprintf("backend %q already registered", spec.ID))
	}
	s := newServer(spec, r.maxConns, r.alpha)
	r.order = append(r.order, s)
	r.byID[s.ID] = s
	r.mu.Unlock()

	r.breakers.GetOrCreate(s.ID)
	r.metrics.SetActiveConnections(s.ID, 0)

	r.logger.Info("backend added",
		observability.String("backend", s.ID),
		observability.String("address", s.Address()),
		observability.Int("weight", s.Weight()),
	)
	r.events.Publish(events.Event{
		Type:      events.BackendAdded,
		BackendID: s.ID,
		Data:      map[string]any{"address": s.Address()},
	})
	return s, nil
}

// Remove deletes a backend and its breaker. A backend with in-flight
// requests is not removed: it is marked draining, stops receiving traffic
// and util.ErrDraining is returned so the caller can retry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return util.ErrNotFound
	}
	if active := s.ActiveConnections(); active > 0 {
		s.draining.Store(true)
		r.mu.Unlock()

		r.logger.Info("backend draining, removal deferred",
			observability.String("backend", id),
			observability.Int64("active", active),
		)
		r.events.Publish(events.Event{
			Type:      events.BackendDraining,
			BackendID: id,
			Data:      map[string]any{"activeConnections": active},
		})
		return util.ErrDraining
	}

	delete(r.byID, id)
	for i, cur := range r.order {
		if cur == s {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.breakers.Remove(id)
	r.metrics.DeleteBackend(id)

	r.logger.Info("backend removed", observability.String("backend", id))
	r.events.Publish(events.Event{Type: events.BackendRemoved, BackendID: id})
	return nil
}

// Undrain cancels a deferred removal so the backend receives traffic again.
// It is a no-op for a backend that is not draining.
func (r *Registry) Undrain(id string) error {
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return util.ErrNotFound
	}
	if !s.draining.CompareAndSwap(true, false) {
		return nil
	}

	r.logger.Info("backend restored to rotation", observability.String("backend", id))
	r.events.Publish(events.Event{Type: events.BackendRestored, BackendID: id})
	return nil
}

// Get returns a backend by ID.
func (r *Registry) Get(id string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// All returns every backend in insertion order.
func (r *Registry) All() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, len(r.order))
	copy(out, r.order)
	return out
}

// Healthy returns the routing candidates in insertion order: backends that
// are healthy, not draining and whose breaker is not open.
func (r *Registry) Healthy() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.order))
	for _, s := range r.order {
		if !s.IsHealthy() || s.IsDraining() {
			continue
		}
		if !r.breakers.Allow(s.ID) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// UpdateWeights applies new weights. The update is all or nothing: an
// unknown ID or a negative weight rejects the whole batch.
func (r *Registry) UpdateWeights(weights map[string]int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, w := range weights {
		if _, ok := r.byID[id]; !ok {
			return util.NewConfigErrorWithCause("weights", fmt.Sprintf("unknown backend %q", id), util.ErrNotFound)
		}
		if err := util.ValidateWeight(w); err != nil {
			return util.NewConfigErrorWithCause("weights", fmt.Sprintf("backend %q", id), err)
		}
	}
	for id, w := range weights {
		r.byID[id].setWeight(w)
	}
	return nil
}

// Capacity returns the summed active connections and declared capacity of
// the given backends.
func Capacity(servers []*Server) (active, capacity int64) {
	for _, s := range servers {
		active += s.ActiveConnections()
		capacity += int64(s.MaxConnections)
	}
	return active, capacity
}

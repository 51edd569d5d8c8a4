// Package events provides the typed event bus through which the control plane
// reports state transitions (backend health, breaker trips, rate limit
// denials and so on).
//
// Publishing never blocks: each subscriber owns a buffered channel and an
// event is dropped for a subscriber whose buffer is full.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Type identifies the kind of event.
type Type string

// Event types emitted by the control plane.
const (
	BackendAdded        Type = "backend:added"
	BackendRemoved      Type = "backend:removed"
	BackendDraining     Type = "backend:draining"
	BackendRestored     Type = "backend:restored"
	BackendHealthy      Type = "backend:healthy"
	BackendUnhealthy    Type = "backend:unhealthy"
	BackendRampComplete Type = "backend:ramp-complete"
	BackendUnavailable  Type = "backend:unavailable"

	CircuitOpen     Type = "circuit-breaker:open"
	CircuitHalfOpen Type = "circuit-breaker:half-open"
	CircuitClosed   Type = "circuit-breaker:closed"

	AlgorithmSwitched Type = "algorithm:switched"
	WeightsUpdated    Type = "weights:updated"
	GeoRoutingChanged Type = "geo-routing:changed"

	RateLimitExceeded Type = "ratelimit:exceeded"
	RateLimitError    Type = "ratelimit:error"
	RuleAdded         Type = "ratelimit:rule-added"
	RuleRemoved       Type = "ratelimit:rule-removed"

	MultiplierChanged Type = "multiplier:changed"
	ConfigReloaded    Type = "config:reloaded"
	ShutdownStarted   Type = "shutdown:started"
	ShutdownCompleted Type = "shutdown:completed"
)

// Event is a single notification.
type Event struct {
	Type      Type           `json:"type"`
	BackendID string         `json:"backendId,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

// Publisher is implemented by anything events can be sent to.
type Publisher interface {
	Publish(e Event)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}

// Subscription receives events of the types it was created for.
type Subscription struct {
	id    string
	ch    chan Event
	types map[Type]struct{}
	bus   *Bus
	once  sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Unsubscribe detaches the subscription from its bus. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.id) })
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	closed  bool
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics sets the metrics sink for dropped events.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]*Subscription),
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber with the given buffer size. With no types
// the subscriber receives every event.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	s := &Subscription{
		id:    uuid.New().String(),
		ch:    make(chan Event, buffer),
		types: make(map[Type]struct{}, len(types)),
		bus:   b,
	}
	for _, t := range types {
		s.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.metrics.IncEventsDropped(string(e.Type))
			b.logger.Debug("event dropped, subscriber buffer full",
				observability.String("subscription", s.id),
				observability.String("type", string(e.Type)),
			)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

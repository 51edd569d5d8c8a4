// Package affinity keeps the session to backend bindings used for sticky
// routing.
package affinity

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// Default settings.
const (
	DefaultTimeout       = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Binding maps a session to a backend until it expires.
type Binding struct {
	SessionID string    `json:"sessionId"`
	BackendID string    `json:"backendId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Table is a TTL map of bindings. Expired bindings are never returned and are
// removed by a periodic sweep.
type Table struct {
	logger        observability.Logger
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.Mutex
	bindings map[string]Binding

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(t *Table) { t.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// NewTable creates a table whose bindings live for timeout. Non-positive
// durations fall back to the defaults.
func NewTable(timeout, sweepInterval time.Duration, opts ...Option) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	t := &Table{
		logger:        observability.NopLogger(),
		timeout:       timeout,
		sweepInterval: sweepInterval,
		now:           time.Now,
		bindings:      make(map[string]Binding),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Lookup returns the backend bound to a session.
func (t *Table) Lookup(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bindings[sessionID]
	if !ok || !t.now().Before(b.ExpiresAt) {
		return "", false
	}
	return b.BackendID, true
}

// Bind binds a session to a backend, replacing any previous binding and
// restarting its expiry.
func (t *Table) Bind(sessionID, backendID string) {
	if sessionID == "" {
		return
	}
	now := t.now()
	t.mu.Lock()
	t.bindings[sessionID] = Binding{
		SessionID: sessionID,
		BackendID: backendID,
		CreatedAt: now,
		ExpiresAt: now.Add(t.timeout),
	}
	t.mu.Unlock()
}

// Forget drops every binding to a backend and returns how many were dropped.
func (t *Table) Forget(backendID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, b := range t.bindings {
		if b.BackendID == backendID {
			delete(t.bindings, id)
			n++
		}
	}
	return n
}

// Sweep removes expired bindings and returns how many were removed.
func (t *Table) Sweep() int {
	now := t.now()
	t.mu.Lock()
	n := 0
	for id, b := range t.bindings {
		if !now.Before(b.ExpiresAt) {
			delete(t.bindings, id)
			n++
		}
	}
	t.mu.Unlock()

	if n > 0 {
		t.logger.Debug("session sweep completed", observability.Int("removed", n))
	}
	return n
}

// Len returns the number of stored bindings, expired or not.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}

// Start runs the periodic sweep in the background until Stop.
func (t *Table) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.sweepLoop()
}

func (t *Table) sweepLoop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.stopCh:
			return
		}
	}
}

// Stop ends the sweep loop and clears the table. It is safe to call more
// than once.
func (t *Table) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)

		t.mu.Lock()
		started := t.started
		t.bindings = make(map[string]Binding)
		t.mu.Unlock()

		if started {
			<-t.doneCh
		}
	})
}

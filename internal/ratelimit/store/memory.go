package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the memory store drops expired keys.
const DefaultCleanupInterval = time.Minute

type entry struct {
	counter    int64
	hits       []int64 // sliding log, unix ms, ascending
	list       [][]byte
	expiration time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]*entry
	now    func() time.Time
	ticker *time.Ticker
	done   chan struct{}
	closed bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock sets the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an in-memory store that drops expired keys every
// cleanupInterval. A non-positive interval uses DefaultCleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	s := &MemoryStore{
		data:   make(map[string]*entry),
		now:    time.Now,
		ticker: time.NewTicker(cleanupInterval),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.ticker.C:
			s.Cleanup()
		case <-s.done:
			return
		}
	}
}

// Cleanup drops expired keys and returns how many were removed.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
			removed++
		}
	}
	return removed
}

// lookupLocked returns the live entry for key, dropping it if expired.
func (s *MemoryStore) lookupLocked(key string, now time.Time) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *MemoryStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	e := s.lookupLocked(key, s.now())
	if e == nil {
		return 0, ErrKeyNotFound
	}
	return e.counter, nil
}

// IncrementAndExpire implements Store.
func (s *MemoryStore) IncrementAndExpire(ctx context.Context, key string, window time.Duration) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return Counter{}, err
	}
	now := s.now()
	e := s.lookupLocked(key, now)
	if e == nil {
		e = &entry{}
		s.data[key] = e
	}
	e.counter++
	if e.expiration.IsZero() {
		e.expiration = now.Add(window)
	}
	return Counter{Count: e.counter, TTL: e.expiration.Sub(now)}, nil
}

// SlidingWindowAdd implements Store. Members are not deduplicated since the
// log only stores timestamps.
func (s *MemoryStore) SlidingWindowAdd(
	ctx context.Context,
	key string,
	window time.Duration,
	now time.Time,
	_ string,
) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return Counter{}, err
	}
	e := s.lookupLocked(key, s.now())
	if e == nil {
		e = &entry{}
		s.data[key] = e
	}

	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	cut := sort.Search(len(e.hits), func(i int) bool { return e.hits[i] > nowMs-windowMs })
	e.hits = append(e.hits[cut:], nowMs)
	sort.Slice(e.hits, func(i, j int) bool { return e.hits[i] < e.hits[j] })
	e.expiration = s.now().Add(window)

	ttl := time.Duration(e.hits[0]+windowMs-nowMs) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	return Counter{Count: int64(len(e.hits)), TTL: ttl}, nil
}

// TTL implements Store.
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	now := s.now()
	e := s.lookupLocked(key, now)
	if e == nil || e.expiration.IsZero() {
		return 0, nil
	}
	return e.expiration.Sub(now), nil
}

// PushAndTrim implements Store.
func (s *MemoryStore) PushAndTrim(ctx context.Context, key string, value []byte, maxLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return err
	}
	if maxLen < 1 {
		maxLen = 1
	}
	e := s.lookupLocked(key, s.now())
	if e == nil {
		e = &entry{}
		s.data[key] = e
	}
	item := append([]byte(nil), value...)
	e.list = append([][]byte{item}, e.list...)
	if int64(len(e.list)) > maxLen {
		e.list = e.list[:maxLen]
	}
	return nil
}

// List returns the items of a list pushed with PushAndTrim, newest first.
func (s *MemoryStore) List(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookupLocked(key, s.now())
	if e == nil {
		return nil
	}
	out := make([][]byte, len(e.list))
	copy(out, e.list)
	return out
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin(ctx)
}

// Len returns the number of keys held, expired ones included until the
// next cleanup.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.ticker.Stop()
	close(s.done)
	s.data = make(map[string]*entry)
	return nil
}

// Package store provides the key-value backends that hold rate limit
// counters: Redis for shared state across instances and an in-memory
// store for single-instance deployments and tests.
package store

import (
	"context"
	"errors"
	"time"
)

// Counter is the state of a counter after an atomic update.
type Counter struct {
	// Count is the number of hits in the current window, this one included.
	Count int64
	// TTL is the time until the window resets.
	TTL time.Duration
}

// Store is the storage capability consumed by the rate limiter. Counter
// updates are atomic on the store side.
type Store interface {
	// Get returns the value of a fixed window counter.
	Get(ctx context.Context, key string) (int64, error)

	// IncrementAndExpire increments a fixed window counter and starts its
	// expiry when the counter has none, in one round trip.
	IncrementAndExpire(ctx context.Context, key string, window time.Duration) (Counter, error)

	// SlidingWindowAdd records a hit at now in a sliding log, drops hits
	// older than window and returns the number of hits left.
	SlidingWindowAdd(ctx context.Context, key string, window time.Duration, now time.Time, member string) (Counter, error)

	// TTL returns the remaining lifetime of a key, zero when the key has
	// none or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// PushAndTrim prepends value to a list and keeps at most maxLen items.
	PushAndTrim(ctx context.Context, key string, value []byte, maxLen int64) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources. It is idempotent.
	Close() error
}

// ErrKeyNotFound is returned by Get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff yields the wait before each retry.
type Backoff interface {
	// Next returns the wait before retry number attempt+1.
	Next(attempt int) time.Duration
	// Reset forgets any state kept between attempts.
	Reset()
}

// ExponentialBackoff waits initial*factor^attempt, capped at max, with a
// symmetric jitter fraction.
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64
}

// NewExponentialBackoff creates an exponential backoff. A factor below 1
// is treated as 2.
func NewExponentialBackoff(initial, maxWait time.Duration, factor, jitter float64) *ExponentialBackoff {
	if factor < 1 {
		factor = 2
	}
	return &ExponentialBackoff{initial: initial, max: maxWait, factor: factor, jitter: clampJitter(jitter)}
}

// Next implements Backoff.
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.initial) * math.Pow(b.factor, float64(attempt))
	if b.max > 0 && d > float64(b.max) {
		d = float64(b.max)
	}
	if b.jitter > 0 {
		//nolint:gosec // jitter is not security sensitive
		d += d * b.jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Reset implements Backoff. ExponentialBackoff keeps no state.
func (b *ExponentialBackoff) Reset() {}

// DecorrelatedJitterBackoff spreads retries of many clients apart:
// sleep = min(max, random_between(initial, previous*3)).
type DecorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewDecorrelatedJitterBackoff creates a decorrelated jitter backoff.
func NewDecorrelatedJitterBackoff(initial, maxWait time.Duration) *DecorrelatedJitterBackoff {
	if maxWait < initial {
		maxWait = initial
	}
	return &DecorrelatedJitterBackoff{initial: initial, max: maxWait, current: initial}
}

// Next implements Backoff.
func (b *DecorrelatedJitterBackoff) Next(attempt int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if attempt <= 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3
	//nolint:gosec // jitter is not security sensitive
	d := lo + rand.Float64()*(hi-lo)
	if d > float64(b.max) {
		d = float64(b.max)
	}
	b.current = time.Duration(d)
	return b.current
}

// Reset implements Backoff.
func (b *DecorrelatedJitterBackoff) Reset() {
	b.mu.Lock()
	b.current = b.initial
	b.mu.Unlock()
}

func clampJitter(j float64) float64 {
	switch {
	case j < 0:
		return 0
	case j > MaxJitterFactor:
		return MaxJitterFactor
	default:
		return j
	}
}

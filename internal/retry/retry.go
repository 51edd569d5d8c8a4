// Package retry runs operations again after transient failures, waiting
// according to a Backoff between attempts.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Defaults.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultJitterFactor   = 0.25

	// MaxJitterFactor is the largest accepted jitter fraction.
	MaxJitterFactor = 1.0
)

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// ShouldRetryFunc reports whether err is worth another attempt.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before waiting for retry number attempt.
type OnRetryFunc func(attempt int, err error, wait time.Duration)

// Policy describes how an operation is retried.
type Policy struct {
	// Retries is the number of attempts after the first. Zero runs the
	// operation once.
	Retries int
	// Backoff defaults to an ExponentialBackoff with the package defaults.
	Backoff Backoff
	// ShouldRetry defaults to retrying every error.
	ShouldRetry ShouldRetryFunc
	OnRetry     OnRetryFunc
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns an error ShouldRetry rejects, the
// retries are spent or ctx is done. A done context is reported as ctx.Err()
// wrapped together with the last attempt's error, if any.
func Do(ctx context.Context, p Policy, fn Func) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = NewExponentialBackoff(DefaultInitialBackoff, DefaultMaxBackoff, 2, DefaultJitterFactor)
	}
	backoff.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(err, lastErr)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt >= p.Retries {
			return &ExhaustedError{Attempts: attempt + 1, Err: lastErr}
		}

		wait := backoff.Next(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

func canceled(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %w)", ctxErr, lastErr)
}

// Package metrics keeps the rolling request telemetry that drives adaptive
// routing: request counters, a response time moving average and a request
// rate over a sliding window.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Aggregator defaults.
const (
	DefaultAlpha      = 0.1
	DefaultMaxSamples = 10000
	DefaultRateWindow = time.Minute
)

type sample struct {
	at           time.Time
	responseTime time.Duration
}

// Snapshot is a point-in-time view of the aggregated telemetry.
type Snapshot struct {
	TotalRequests       int64   `json:"totalRequests"`
	ActiveRequests      int64   `json:"activeRequests"`
	FailedRequests      int64   `json:"failedRequests"`
	ErrorRate           float64 `json:"errorRate"`
	AverageResponseTime float64 `json:"averageResponseTimeMs"`
	RequestsPerSecond   float64 `json:"requestsPerSecond"`
	Samples             int     `json:"samples"`
}

// Aggregator accumulates request telemetry. Samples are kept in arrival
// order, bounded by a maximum count and by the rate window.
type Aggregator struct {
	alpha      float64
	maxSamples int
	window     time.Duration
	now        func() time.Time

	mu      sync.Mutex
	total   int64
	active  int64
	failed  int64
	avgMS   float64
	sampled bool
	samples []sample
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator. Out of range settings fall back to
// the defaults.
func NewAggregator(alpha float64, maxSamples int, window time.Duration, opts ...Option) *Aggregator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	a := &Aggregator{
		alpha:      alpha,
		maxSamples: maxSamples,
		window:     window,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestStarted accounts a request routed to some backend.
func (a *Aggregator) RequestStarted() {
	a.mu.Lock()
	a.total++
	a.active++
	a.mu.Unlock()
}

// RequestCompleted accounts a finished request.
func (a *Aggregator) RequestCompleted(responseTime time.Duration, success bool) {
	now := a.now()
	ms := float64(responseTime) / float64(time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active > 0 {
		a.active--
	}
	if !success {
		a.failed++
	}
	if a.sampled {
		a.avgMS = a.alpha*ms + (1-a.alpha)*a.avgMS
	} else {
		a.avgMS = ms
		a.sampled = true
	}

	a.samples = append(a.samples, sample{at: now, responseTime: responseTime})
	a.pruneLocked(now)
}

// RequestsAbandoned drops n requests from the active count without
// recording a completion, for requests whose outcome will never be known.
func (a *Aggregator) RequestsAbandoned(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	a.active -= n
	if a.active < 0 {
		a.active = 0
	}
	a.mu.Unlock()
}

// pruneLocked drops samples past the window and trims to maxSamples.
func (a *Aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.window)
	drop := sort.Search(len(a.samples), func(i int) bool {
		return a.samples[i].at.After(cutoff)
	})
	if over := len(a.samples) - drop - a.maxSamples; over > 0 {
		drop += over
	}
	if drop == 0 {
		return
	}
	n := copy(a.samples, a.samples[drop:])
	a.samples = a.samples[:n]
}

// RequestsPerSecond returns the completion rate over the rate window.
func (a *Aggregator) RequestsPerSecond() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rateLocked(a.now())
}

func (a *Aggregator) rateLocked(now time.Time) float64 {
	a.pruneLocked(now)
	return float64(len(a.samples)) / a.window.Seconds()
}

// Snapshot returns the current aggregated telemetry.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	rate := a.rateLocked(a.now())
	var errRate float64
	if a.total > 0 {
		errRate = float64(a.failed) / float64(a.total)
	}
	return Snapshot{
		TotalRequests:       a.total,
		ActiveRequests:      a.active,
		FailedRequests:      a.failed,
		ErrorRate:           errRate,
		AverageResponseTime: a.avgMS,
		RequestsPerSecond:   rate,
		Samples:             len(a.samples),
	}
}

// Reset clears all counters and samples.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total, a.active, a.failed = 0, 0, 0
	a.avgMS, a.sampled = 0, false
	a.samples = nil
}

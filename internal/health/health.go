// Package health aggregates named checks into one healthy, degraded or
// unhealthy report and serves it over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates every check passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the service works with reduced guarantees.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the service cannot do its job.
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check is the result of one named check.
type Check struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// CheckFunc performs a check.
type CheckFunc func(ctx context.Context) Check

// Report is the aggregated result.
type Report struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Checker runs registered checks.
type Checker struct {
	version   string
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// DefaultCheckTimeout bounds each check.
const DefaultCheckTimeout = 2 * time.Second

// NewChecker creates a checker.
func NewChecker(version string) *Checker {
	return &Checker{
		version:   version,
		startTime: time.Now(),
		timeout:   DefaultCheckTimeout,
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck registers a check, replacing one with the same name.
func (c *Checker) RegisterCheck(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// UnregisterCheck removes a check.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Names returns the registered check names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.checks))
	for n := range c.checks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Run executes every check concurrently. The report takes the worst status.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	fns := make(map[string]CheckFunc, len(c.checks))
	for n, fn := range c.checks {
		fns[n] = fn
	}
	c.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    time.Since(c.startTime).Round(time.Second).String(),
		Checks:    make(map[string]Check, len(fns)),
		Timestamp: time.Now(),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range fns {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			res := fn(cctx)

			mu.Lock()
			report.Checks[name] = res
			if res.Status.rank() > report.Status.rank() {
				report.Status = res.Status
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	return report
}

// StatusCode maps a status to an HTTP code. Degraded still serves traffic.
func StatusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Handler serves the report as JSON.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(StatusCode(report.Status))
		_ = json.NewEncoder(w).Encode(report)
	}
}

// Package backend owns the backend servers of the control plane, their live
// counters and their active health checking.
package backend

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a backend.
type Status int32

const (
	// StatusUnknown indicates the backend has not been probed yet.
	StatusUnknown Status = iota
	// StatusHealthy indicates the backend passed its probes.
	StatusHealthy
	// StatusUnhealthy indicates the backend failed its probes.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// DefaultEWMAAlpha is the smoothing factor of the response time average.
const DefaultEWMAAlpha = 0.1

// Spec describes a backend to register.
type Spec struct {
	ID             string            `json:"id"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Weight         int               `json:"weight"`
	Priority       int               `json:"priority"`
	Region         string            `json:"region,omitempty"`
	Zone           string            `json:"zone,omitempty"`
	MaxConnections int               `json:"maxConnections,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Server is a registered backend. Identity fields are immutable after
// registration; counters are atomics and the response time average is
// guarded by mu.
type Server struct {
	ID             string
	Host           string
	Port           int
	Priority       int
	Region         string
	Zone           string
	MaxConnections int
	Metadata       map[string]string

	alpha float64

	weight   atomic.Int64
	status   atomic.Int32
	ramping  atomic.Bool
	draining atomic.Bool

	active atomic.Int64
	total  atomic.Int64
	failed atomic.Int64

	mu              sync.Mutex
	avgResponse     float64 // milliseconds
	sampled         bool
	lastHealthCheck time.Time
}

func newServer(spec Spec, maxConns int, alpha float64) *Server {
	meta := make(map[string]string, len(spec.Metadata))
	for k, v := range spec.Metadata {
		meta[k] = v
	}
	if spec.MaxConnections > 0 {
		maxConns = spec.MaxConnections
	}
	s := &Server{
		ID:             spec.ID,
		Host:           spec.Host,
		Port:           spec.Port,
		Priority:       spec.Priority,
		Region:         spec.Region,
		Zone:           spec.Zone,
		MaxConnections: maxConns,
		Metadata:       meta,
		alpha:          alpha,
	}
	s.weight.Store(int64(spec.Weight))
	s.status.Store(int32(StatusUnknown))
	return s
}

// Address returns host:port.
func (s *Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Weight returns the routing weight.
func (s *Server) Weight() int {
	return int(s.weight.Load())
}

func (s *Server) setWeight(w int) {
	s.weight.Store(int64(w))
}

// Status returns the health status.
func (s *Server) Status() Status {
	return Status(s.status.Load())
}

// SetStatus sets the health status and returns the previous one.
func (s *Server) SetStatus(status Status) Status {
	return Status(s.status.Swap(int32(status)))
}

// IsHealthy reports whether the backend may receive traffic as far as health
// is concerned. Backends that were never probed count as healthy.
func (s *Server) IsHealthy() bool {
	return s.Status() != StatusUnhealthy
}

// IsRamping reports whether the backend is in its slow start period.
func (s *Server) IsRamping() bool {
	return s.ramping.Load()
}

// SetRamping sets the slow start flag.
func (s *Server) SetRamping(v bool) {
	s.ramping.Store(v)
}

// IsDraining reports whether removal was requested while requests were in
// flight. Draining backends receive no new traffic.
func (s *Server) IsDraining() bool {
	return s.draining.Load()
}

// ActiveConnections returns the number of in-flight requests.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// TotalRequests returns the number of requests routed to the backend.
func (s *Server) TotalRequests() int64 {
	return s.total.Load()
}

// FailedRequests returns the number of failed completions.
func (s *Server) FailedRequests() int64 {
	return s.failed.Load()
}

// Acquire accounts a new request routed to the backend.
func (s *Server) Acquire() {
	s.active.Add(1)
	s.total.Add(1)
}

// Release accounts a finished request. The counter never drops below zero.
func (s *Server) Release() int64 {
	for {
		cur := s.active.Load()
		if cur <= 0 {
			return 0
		}
		if s.active.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// ObserveResponse folds a response time into the moving average and counts
// failures. The first sample seeds the average.
func (s *Server) ObserveResponse(rt time.Duration, success bool) {
	if !success {
		s.failed.Add(1)
	}
	ms := float64(rt) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sampled {
		s.avgResponse = ms
		s.sampled = true
		return
	}
	s.avgResponse = s.alpha*ms + (1-s.alpha)*s.avgResponse
}

// AverageResponseTime returns the moving average of response times.
func (s *Server) AverageResponseTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.avgResponse * float64(time.Millisecond))
}

// LastHealthCheck returns when the backend was last probed.
func (s *Server) LastHealthCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealthCheck
}

func (s *Server) markChecked(t time.Time) {
	s.mu.Lock()
	s.lastHealthCheck = t
	s.mu.Unlock()
}

// Stats is a point-in-time view of a backend.
type Stats struct {
	ID                  string            `json:"id"`
	Address             string            `json:"address"`
	Weight              int               `json:"weight"`
	Priority            int               `json:"priority"`
	Region              string            `json:"region,omitempty"`
	Zone                string            `json:"zone,omitempty"`
	Status              string            `json:"status"`
	Healthy             bool              `json:"healthy"`
	Ramping             bool              `json:"ramping"`
	Draining            bool              `json:"draining"`
	ActiveConnections   int64             `json:"activeConnections"`
	MaxConnections      int               `json:"maxConnections"`
	TotalRequests       int64             `json:"totalRequests"`
	FailedRequests      int64             `json:"failedRequests"`
	ErrorRate           float64           `json:"errorRate"`
	AverageResponseTime float64           `json:"averageResponseTimeMs"`
	LastHealthCheck     time.Time         `json:"lastHealthCheck"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Snapshot returns the current Stats of the backend.
func (s *Server) Snapshot() Stats {
	total := s.TotalRequests()
	failed := s.FailedRequests()
	var errRate float64
	if total > 0 {
		errRate = float64(failed) / float64(total)
	}

	s.mu.Lock()
	avg := s.avgResponse
	checked := s.lastHealthCheck
	s.mu.Unlock()

	return Stats{
		ID:                  s.ID,
		Address:             s.Address(),
		Weight:              s.Weight(),
		Priority:            s.Priority,
		Region:              s.Region,
		Zone:                s.Zone,
		Status:              s.Status().String(),
		Healthy:             s.IsHealthy(),
		Ramping:             s.IsRamping(),
		Draining:            s.IsDraining(),
		ActiveConnections:   s.ActiveConnections(),
		MaxConnections:      s.MaxConnections,
		TotalRequests:       total,
		FailedRequests:      failed,
		ErrorRate:           errRate,
		AverageResponseTime: avg,
		LastHealthCheck:     checked,
		Metadata:            s.Metadata,
	}
}

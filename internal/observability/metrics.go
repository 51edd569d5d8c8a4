package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is the metric namespace used when none is configured.
const DefaultNamespace = "avatraffic"

// Metrics holds all Prometheus collectors of the control plane. All
// collectors live on a private registry so multiple instances (tests, for
// example) never collide on the default registerer.
//
// Every recording method is safe to call on a nil *Metrics, which lets
// components treat metrics as optional.
type Metrics struct {
	selectionsTotal      *prometheus.CounterVec
	noBackendTotal       prometheus.Counter
	completionsTotal     *prometheus.CounterVec
	responseTime         *prometheus.HistogramVec
	activeConnections    *prometheus.GaugeVec
	backendHealth        *prometheus.GaugeVec
	healthCheckDuration  *prometheus.HistogramVec
	healthCheckFailures  prometheus.Counter
	circuitBreakerState  *prometheus.GaugeVec
	circuitBreakerTrips  *prometheus.CounterVec
	rateLimitDecisions   *prometheus.CounterVec
	rateLimitMultiplier  prometheus.Gauge
	systemLoad           prometheus.Gauge
	storeOperations      *prometheus.CounterVec
	storeDuration        *prometheus.HistogramVec
	storeRetries         prometheus.Counter
	eventsDropped        *prometheus.CounterVec
	activeAlgorithm      *prometheus.GaugeVec
	buildInfo            *prometheus.GaugeVec
	registry             *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_selections_total",
			Help:      "Total number of backend selections by algorithm",
		},
		[]string{"backend", "algorithm"},
	)

	m.noBackendTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_healthy_backend_total",
			Help:      "Selections that found an empty candidate set",
		},
	)

	m.completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_completions_total",
			Help:      "Completed requests by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	m.responseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_response_time_seconds",
			Help:      "Observed backend response time in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"backend"},
	)

	m.activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_active_connections",
			Help:      "In-flight requests per backend",
		},
		[]string{"backend"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help:      "Backend health status (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)

	m.healthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_duration_seconds",
			Help:      "Duration of backend health probes in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"backend", "result"},
	)

	m.healthCheckFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_failures_total",
			Help:      "Healthy to unhealthy transitions across all backends",
		},
	)

	m.circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	m.circuitBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Number of times a backend circuit breaker opened",
		},
		[]string{"backend"},
	)

	m.rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by rule and outcome",
		},
		[]string{"rule", "decision"},
	)

	m.rateLimitMultiplier = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_dynamic_multiplier",
			Help:      "Current load-based multiplier applied to rule limits",
		},
	)

	m.systemLoad = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_load_ratio",
			Help:      "Last sampled system load (0..1)",
		},
	)

	m.storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Rate limit store operations by status",
		},
		[]string{"operation", "status"},
	)

	m.storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Duration of rate limit store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	m.storeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_connection_retries_total",
			Help:      "Connection retry attempts against the rate limit store",
		},
	)

	m.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		},
		[]string{"type"},
	)

	m.activeAlgorithm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "selection_algorithm",
			Help:      "Currently configured selection algorithm (1=active)",
		},
		[]string{"algorithm"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.registry.MustRegister(
		m.selectionsTotal,
		m.noBackendTotal,
		m.completionsTotal,
		m.responseTime,
		m.activeConnections,
		m.backendHealth,
		m.healthCheckDuration,
		m.healthCheckFailures,
		m.circuitBreakerState,
		m.circuitBreakerTrips,
		m.rateLimitDecisions,
		m.rateLimitMultiplier,
		m.systemLoad,
		m.storeOperations,
		m.storeDuration,
		m.storeRetries,
		m.eventsDropped,
		m.activeAlgorithm,
		m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.rateLimitMultiplier.Set(1)

	return m
}

// RecordSelection records a routing decision.
func (m *Metrics) RecordSelection(backend, algorithm string) {
	if m == nil {
		return
	}
	m.selectionsTotal.WithLabelValues(backend, algorithm).Inc()
}

// RecordNoHealthyBackend records a selection against an empty candidate set.
func (m *Metrics) RecordNoHealthyBackend() {
	if m == nil {
		return
	}
	m.noBackendTotal.Inc()
}

// RecordCompletion records a finished request and its response time.
func (m *Metrics) RecordCompletion(backend string, responseTime time.Duration, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.completionsTotal.WithLabelValues(backend, outcome).Inc()
	m.responseTime.WithLabelValues(backend).Observe(responseTime.Seconds())
}

// SetActiveConnections sets the in-flight gauge of a backend.
func (m *Metrics) SetActiveConnections(backend string, n int64) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(backend).Set(float64(n))
}

// SetBackendHealth sets the backend health gauge.
func (m *Metrics) SetBackendHealth(backend string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.WithLabelValues(backend).Set(value)
}

// RecordHealthCheck records a single probe.
func (m *Metrics) RecordHealthCheck(backend string, d time.Duration, healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.healthCheckDuration.WithLabelValues(backend, result).Observe(d.Seconds())
}

// IncHealthCheckFailures increments the global healthy->unhealthy counter.
func (m *Metrics) IncHealthCheckFailures() {
	if m == nil {
		return
	}
	m.healthCheckFailures.Inc()
}

// SetCircuitBreakerState sets the breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(backend string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

// IncCircuitBreakerTrips increments the trip counter of a backend.
func (m *Metrics) IncCircuitBreakerTrips(backend string) {
	if m == nil {
		return
	}
	m.circuitBreakerTrips.WithLabelValues(backend).Inc()
}

// RecordRateLimitDecision records an admission decision. decision is one of
// "allowed", "denied" or "fallback".
func (m *Metrics) RecordRateLimitDecision(rule, decision string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(rule, decision).Inc()
}

// SetMultiplier sets the dynamic multiplier gauge.
func (m *Metrics) SetMultiplier(v float64) {
	if m == nil {
		return
	}
	m.rateLimitMultiplier.Set(v)
}

// SetSystemLoad sets the sampled system load gauge.
func (m *Metrics) SetSystemLoad(v float64) {
	if m == nil {
		return
	}
	m.systemLoad.Set(v)
}

// RecordStoreOperation records a store round trip.
func (m *Metrics) RecordStoreOperation(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeOperations.WithLabelValues(operation, status).Inc()
	m.storeDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncStoreRetries increments the store connection retry counter.
func (m *Metrics) IncStoreRetries() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

// IncEventsDropped increments the dropped event counter.
func (m *Metrics) IncEventsDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

// SetAlgorithm marks algorithm as the active one and clears the previous.
func (m *Metrics) SetAlgorithm(previous, current string) {
	if m == nil {
		return
	}
	if previous != "" {
		m.activeAlgorithm.WithLabelValues(previous).Set(0)
	}
	m.activeAlgorithm.WithLabelValues(current).Set(1)
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// DeleteBackend removes every per-backend series of a removed backend.
func (m *Metrics) DeleteBackend(backend string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"backend": backend}
	m.activeConnections.Delete(labels)
	m.backendHealth.Delete(labels)
	m.circuitBreakerState.Delete(labels)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

// reloadMetrics tracks configuration reloads on the control plane registry.
type reloadMetrics struct {
	total       *prometheus.CounterVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
	watcher     prometheus.Gauge
}

func newReloadMetrics(namespace string, m *observability.Metrics) *reloadMetrics {
	if namespace == "" {
		namespace = observability.DefaultNamespace
	}
	rm := &reloadMetrics{
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of successful configuration reloads",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1},
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_reload_last_success_timestamp",
				Help:      "Unix time of the last successful reload",
			},
		),
		watcher: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_watcher_running",
				Help:      "Whether the configuration watcher is running (1) or not (0)",
			},
		),
	}
	m.Registry().MustRegister(rm.total, rm.duration, rm.lastSuccess, rm.watcher)
	return rm
}

type reloadTimer struct {
	rm    *reloadMetrics
	start time.Time
}

func (rm *reloadMetrics) start() reloadTimer {
	return reloadTimer{rm: rm, start: time.Now()}
}

func (t reloadTimer) succeeded() {
	t.rm.total.WithLabelValues("success").Inc()
	t.rm.duration.Observe(time.Since(t.start).Seconds())
	t.rm.lastSuccess.SetToCurrentTime()
}

func (rm *reloadMetrics) failed() {
	rm.total.WithLabelValues("error").Inc()
}

func (rm *reloadMetrics) watching(running bool) {
	if running {
		rm.watcher.Set(1)
		return
	}
	rm.watcher.Set(0)
}

// Package metrics exports worker task and interpreter metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records task outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	restarts *prometheus.CounterVec
}

// New registers the collectors on registry, or on a fresh registry when nil.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "matl",
				Name:      "tasks_total",
				Help:      "Total number of finished tasks",
			},
			[]string{"mode", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "matl",
				Name:      "task_duration_seconds",
				Help:      "Task execution time in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "matl",
				Name:      "tasks_active",
				Help:      "Number of tasks currently executing",
			},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "matl",
				Name:      "session_restarts_total",
				Help:      "Interpreter session restarts",
			},
			[]string{"reason"},
		),
	}
	registry.MustRegister(m.tasks, m.duration, m.active, m.restarts)
	return m
}

// TaskStarted marks a task as running.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// TaskFinished records the outcome and duration of a task.
func (m *Metrics) TaskFinished(mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.tasks.WithLabelValues(mode, outcome).Inc()
	m.duration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// SessionRestarted counts an interpreter relaunch.
func (m *Metrics) SessionRestarted(reason string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(reason).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

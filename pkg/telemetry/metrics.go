package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels shared by the counters below.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultConflict = "conflict"
)

// MetricsConfig controls metric collection.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace" default:"localflow" validate:"required"`
}

// Metrics holds the Prometheus collectors for workflow executions and
// node instance updates. A zero or nil Metrics records nothing.
type Metrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	instanceUpdates   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "workflow_executions_total",
				Help:      "Total number of workflow executions",
			},
			[]string{"workflow", "result"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "workflow_execution_duration_seconds",
				Help:      "Duration of workflow executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"workflow"},
		),
		instanceUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "node_instance_updates_total",
				Help:      "Total number of node instance update attempts",
			},
			[]string{"backend", "result"},
		),
	}

	registry.MustRegister(m.executions, m.executionDuration, m.instanceUpdates)
	return m
}

// RecordExecution records one finished workflow execution.
func (m *Metrics) RecordExecution(workflow, result string, duration time.Duration) {
	if m == nil || m.executions == nil {
		return
	}
	m.executions.WithLabelValues(workflow, result).Inc()
	m.executionDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordInstanceUpdate records one node instance update attempt.
func (m *Metrics) RecordInstanceUpdate(backend, result string) {
	if m == nil || m.instanceUpdates == nil {
		return
	}
	m.instanceUpdates.WithLabelValues(backend, result).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the collected metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Timer measures elapsed time from its creation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Package metrics provides Prometheus metrics for the conductor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the conductor.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ProjectActions  *prometheus.CounterVec
	WSConnections   prometheus.Gauge
	WSEventsSent    prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_requests_total",
				Help: "Total number of API requests by route, method and status.",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_request_duration_seconds",
				Help:    "API request processing duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ProjectActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_project_actions_total",
				Help: "Total number of project lifecycle actions by action and result.",
			},
			[]string{"action", "result"},
		),
		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_ws_connections",
				Help: "Number of open websocket connections.",
			},
		),
		WSEventsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_ws_events_sent_total",
				Help: "Total number of events pushed to websocket clients.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.ProjectActions)
	reg.MustRegister(m.WSConnections)
	reg.MustRegister(m.WSEventsSent)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(route, method, status string) {
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
}

// ObserveDuration records request duration.
func (m *Metrics) ObserveDuration(route string, seconds float64) {
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordAction increments the project action counter.
func (m *Metrics) RecordAction(action, result string) {
	m.ProjectActions.WithLabelValues(action, result).Inc()
}

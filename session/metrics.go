package session

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors a Registry updates as sessions
// are created, rejected, and torn down. It owns its own
// registry rather than registering against the global default, so that
// multiple mcp-server processes embedding this package in tests don't
// collide on metric names.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated   prometheus.Counter
	creationsRejected prometheus.Counter
	activeSessions    prometheus.Gauge
}

// NewMetrics constructs a Metrics with a fresh, private Prometheus
// registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpstream_sessions_created_total",
			Help: "Total number of sessions created.",
		}),
		creationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpstream_session_creations_rejected_total",
			Help: "Total number of session-creation requests rejected by the rate limiter.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpstream_sessions_active",
			Help: "Number of sessions currently held in the registry.",
		}),
	}
	m.registry.MustRegister(m.sessionsCreated, m.creationsRejected, m.activeSessions)
	return m
}

// Handler returns an http.Handler serving this Metrics' collectors in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

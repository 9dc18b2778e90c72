// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive        prometheus.Gauge
	MessagesRouted        prometheus.Counter
	UnroutableDropped     prometheus.Counter
	BackendWrites         prometheus.Counter
	BackendWriteErrors    prometheus.Counter
	ResourcesReleased     prometheus.Counter
	CorrelationCollisions prometheus.Counter
	AuthFailures          prometheus.Counter
	BroadcastForwarded    prometheus.Counter
}

// New creates the collectors and registers them.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muxtun_sessions_active",
			Help: "Number of authenticated client sessions currently attached to the relay.",
		}),
		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxtun_messages_routed_total",
			Help: "Backend responses routed to an owning client session.",
		}),
		UnroutableDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxtun_unroutable_dropped_total",
			Help: "Backend messages dropped because no live correlation entry matched.",
		}),
		BackendWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxtun_backend_writes_total",
			Help: "Payloads written to the shared backend channel.",
		}),
		BackendWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxtun_backend_write_errors_total",
			Help: "Backend writes that failed.",
		}),
		ResourcesReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxtun_resources_released_total",
			Help: "Release requests emitted for resources owned by torn-down sessions.",
		}),
		CorrelationCollisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxtun_correlation_collisions_total",
			Help: "Correlation entries overwritten by a colliding request id.",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxtun_auth_failures_total",
			Help: "Connections rejected by the credential check.",
		}),
		BroadcastForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "muxtun_broadcast_forwarded_total",
			Help: "Messages forwarded between broadcast channel participants.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package observability exposes the engine's Prometheus collectors.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine reports. One instance is created
// at startup and injected where needed; nothing registers globally.
type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal   *prometheus.CounterVec
	SnapshotsTotal     prometheus.Counter
	NotificationsTotal *prometheus.CounterVec
	StoreErrorsTotal   *prometheus.CounterVec
}

// NewMetrics builds and registers the engine collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trip_transitions_total",
			Help: "Trip status transitions applied, by from/to status.",
		}, []string{"from", "to"}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trip_snapshots_total",
			Help: "Trip snapshots delivered to session subscriptions.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trip_notifications_total",
			Help: "Notifications dispatched, by channel.",
		}, []string{"channel"}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Document store operation failures, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.SnapshotsTotal,
		m.NotificationsTotal,
		m.StoreErrorsTotal,
	)
	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

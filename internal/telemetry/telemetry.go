// Package telemetry exposes Prometheus metrics for the fan-out layer.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push result labels.
const (
	PushOK    = "ok"
	PushGone  = "gone"
	PushError = "error"
)

// Metrics holds the instruments updated by the hub and dispatcher.
type Metrics struct {
	EventsDispatched *prometheus.CounterVec
	Pushes           *prometheus.CounterVec
	StalePruned      prometheus.Counter
	OpenConnections  prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers the service metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agorusta_events_dispatched_total",
			Help: "Events handed to the dispatcher, by kind.",
		}, []string{"kind"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agorusta_pushes_total",
			Help: "Push attempts to subscriber connections, by result.",
		}, []string{"result"}),
		StalePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agorusta_stale_connections_pruned_total",
			Help: "Directory entries removed after a push found the connection gone.",
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agorusta_open_connections",
			Help: "Websocket connections currently registered with the hub.",
		}),
		registry: registry,
	}

	registry.MustRegister(m.EventsDispatched, m.Pushes, m.StalePruned, m.OpenConnections)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

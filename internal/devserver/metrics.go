package devserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is registered on its own registry so several servers can live in
// one process.
type Metrics struct {
	registry *prometheus.Registry

	Connections   prometheus.Gauge
	Events        *prometheus.CounterVec
	SavedMessages prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salonchat_ws_connections",
			Help: "Current active websocket connections",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salonchat_ws_events_total",
			Help: "Inbound socket events by type",
		}, []string{"type"}),
		SavedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salonchat_messages_saved_total",
			Help: "Messages persisted from socket sends",
		}),
	}
	m.registry.MustRegister(m.Connections, m.Events, m.SavedMessages)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "securechat"

// Metrics holds the server's collectors on a private registry. It satisfies
// session.Observer and realtime.Observer.
type Metrics struct {
	registry    *prometheus.Registry
	rotations   *prometheus.CounterVec
	reuse       prometheus.Counter
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	messages    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_rotations_total",
				Help:      "Refresh token rotations by result",
			},
			[]string{"result"},
		),
		reuse: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "token_reuse_detected_total",
				Help:      "Consumed refresh tokens presented again",
			},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "realtime_connections",
				Help:      "Open realtime connections",
			},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "realtime_events_total",
				Help:      "Inbound realtime events by name",
			},
			[]string{"event"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_stored_total",
				Help:      "Messages stored by conversation kind",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(m.rotations, m.reuse, m.connections, m.events, m.messages)
	return m
}

func (m *Metrics) Rotated(result string)     { m.rotations.WithLabelValues(result).Inc() }
func (m *Metrics) ReuseDetected(string)      { m.reuse.Inc() }
func (m *Metrics) ConnectionOpened()         { m.connections.Inc() }
func (m *Metrics) ConnectionClosed()         { m.connections.Dec() }
func (m *Metrics) EventReceived(name string) { m.events.WithLabelValues(name).Inc() }
func (m *Metrics) MessageStored(kind string) { m.messages.WithLabelValues(kind).Inc() }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package groupchat

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are registered on a registry owned by the app so that several apps
// can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	connections    prometheus.Gauge
	roomJoins      prometheus.Counter
	messagesSent   *prometheus.CounterVec
	duplicateSends prometheus.Counter
	rateLimited    prometheus.Counter
	typingEvents   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groupchat_ws_connections",
			Help: "Number of open websocket connections.",
		}),
		roomJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_room_joins_total",
			Help: "Total number of room joins.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_messages_sent_total",
			Help: "Total number of persisted messages by kind.",
		}, []string{"kind"}),
		duplicateSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_duplicate_sends_total",
			Help: "Sends whose client token was already persisted.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupchat_rate_limited_total",
			Help: "Sends rejected by the per-user rate limit.",
		}),
		typingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupchat_typing_events_total",
			Help: "Typing signals relayed to rooms.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.roomJoins,
		m.messagesSent,
		m.duplicateSends,
		m.rateLimited,
		m.typingEvents,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

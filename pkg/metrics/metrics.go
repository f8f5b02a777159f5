// Package metrics holds the Prometheus collectors for the chat gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Connections     prometheus.Gauge
	EventsReceived  *prometheus.CounterVec
	EventsSent      *prometheus.CounterVec
	MessagesStored  *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	RateLimited     prometheus.Counter
	SignalsRelayed  *prometheus.CounterVec
	TypingExpired   prometheus.Counter
	StoreLatency    *prometheus.HistogramVec
	ConsumedEvents  *prometheus.CounterVec
	registry        *prometheus.Registry
}

// New builds the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections",
			Help: "Live websocket connections.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_received_total",
			Help: "Inbound live events by name.",
		}, []string{"event"}),
		EventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_events_sent_total",
			Help: "Outbound frames accepted by connection buffers, by event name.",
		}, []string{"event"}),
		MessagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_stored_total",
			Help: "Messages persisted, by kind.",
		}, []string{"kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_errors_total",
			Help: "Errors reported to clients, by code.",
		}, []string{"code"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limited_total",
			Help: "Inbound events dropped by the per-connection rate limiter.",
		}),
		SignalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_signals_relayed_total",
			Help: "Call signaling payloads forwarded, by kind.",
		}, []string{"kind"}),
		TypingExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_typing_expired_total",
			Help: "Typing indicators cleared by the server-side TTL.",
		}),
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_store_seconds",
			Help:    "Latency of store operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		ConsumedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_consumed_events_total",
			Help: "Events read from the chat topic, by type.",
		}, []string{"type"}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.Connections, m.EventsReceived, m.EventsSent, m.MessagesStored, m.Errors,
		m.RateLimited, m.SignalsRelayed, m.TypingExpired, m.StoreLatency, m.ConsumedEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

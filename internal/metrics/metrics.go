// Package metrics provides Prometheus instrumentation for the messenger client
// and the relay. It exposes gauges for connection state and unread counts,
// counters for message throughput and reconnects, and a histogram for relay
// processing latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay series.
var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages handled by the relay, labeled by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_relay_messages_total",
		Help: "Total number of messages processed by the relay",
	}, []string{"outcome"}) // outcome = "delivered", "flagged", "rejected", "rate_limited", "blocked"

	// AlertsTotal counts alerts sent to clients, labeled by severity.
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_relay_alerts_total",
		Help: "Total number of alerts sent to clients",
	}, []string{"severity"})

	// MessageLatency records relay processing latency in seconds, from frame
	// receipt to publication to the receiver.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messenger_relay_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

// Client series.
var (
	// ConnectionStatus is 0 disconnected, 1 connecting, 2 connected.
	ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_client_connection_status",
		Help: "Connection status of the active conversation (0 disconnected, 1 connecting, 2 connected)",
	})

	// ReconnectsTotal counts automatic reconnect attempts scheduled by the client.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_client_reconnects_total",
		Help: "Total number of automatic reconnect attempts scheduled",
	})

	// DroppedEventsTotal counts inbound events the client discarded.
	DroppedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_client_dropped_events_total",
		Help: "Inbound events discarded by the client",
	}, []string{"reason"}) // reason = "malformed", "stale", "self_echo"

	// UnreadTotal mirrors the global unread aggregate.
	UnreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_client_unread_total",
		Help: "Global unread message count",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		AlertsTotal,
		MessageLatency,
		ConnectionStatus,
		ReconnectsTotal,
		DroppedEventsTotal,
		UnreadTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionsActive tracks open websocket connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of open live connections",
		},
	)

	// OnlineUsers tracks users with at least one live connection.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_online_users",
			Help: "Number of users with at least one live connection",
		},
	)

	// ChatsCreatedTotal tracks first-contact chats.
	ChatsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_chats_created_total",
			Help: "Total chats created",
		},
	)

	// MessagesTotal tracks sends by entry path and outcome.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total messages handled by the send pipeline",
		},
		[]string{"path", "outcome"},
	)

	// SendDuration tracks the full send pipeline.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_send_duration_seconds",
			Help:    "Send pipeline duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"path"},
	)

	// EventsPublishedTotal tracks router publishes by event name.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_published_total",
			Help: "Total events published to delivery groups",
		},
		[]string{"event"},
	)

	// EventDeliveriesTotal tracks frames accepted by connections.
	EventDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_event_deliveries_total",
			Help: "Total frames accepted by live connections",
		},
		[]string{"event"},
	)

	// NotificationsTotal tracks records written to the notification stream.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_notifications_total",
			Help: "Notification records published",
		},
		[]string{"kind", "status"},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records one pass through the send pipeline.
func RecordSend(path, outcome string, duration float64) {
	MessagesTotal.WithLabelValues(path, outcome).Inc()
	SendDuration.WithLabelValues(path).Observe(duration)
}

// RecordPublish records one group publish.
func RecordPublish(event string, delivered int) {
	EventsPublishedTotal.WithLabelValues(event).Inc()
	EventDeliveriesTotal.WithLabelValues(event).Add(float64(delivered))
}

// IncrementConnections increments the open connection count.
func IncrementConnections() {
	ConnectionsActive.Inc()
}

// DecrementConnections decrements the open connection count.
func DecrementConnections() {
	ConnectionsActive.Dec()
}

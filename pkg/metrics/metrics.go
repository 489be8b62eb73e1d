package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transcript metrics
	TranscriptEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yochat_transcript_events_total",
			Help: "Transcript operations by kind and outcome",
		},
		[]string{"kind", "outcome"}, // kind: history, incoming, delivery, send
	)

	PendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yochat_pending_messages",
			Help: "Locally authored messages awaiting confirmation",
		},
	)

	RoomBinds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yochat_room_binds_total",
			Help: "Total room binds, including rejoins after reconnect",
		},
	)

	// Realtime channel metrics
	SocketReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "yochat_socket_reconnects_total",
			Help: "Total successful websocket reconnects",
		},
	)

	SocketEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yochat_socket_events_total",
			Help: "Websocket events by direction and name",
		},
		[]string{"direction", "event"},
	)

	// HTTP API metrics
	APIFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yochat_api_fallbacks_total",
			Help: "Lookups answered with a placeholder after an API failure",
		},
		[]string{"lookup"}, // identity, room_name
	)
)

// RecordTranscript counts one transcript operation.
func RecordTranscript(kind, outcome string) {
	TranscriptEvents.WithLabelValues(kind, outcome).Inc()
}

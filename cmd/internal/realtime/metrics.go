package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	Connections     prometheus.Gauge
	ClientEvents    *prometheus.CounterVec
	MessagesStored  prometheus.Counter
	Deliveries      *prometheus.CounterVec
	Fallbacks       prometheus.Counter
	Dropped         prometheus.Counter
	RemotePublished prometheus.Counter
	RemoteSkipped   prometheus.Counter
	BackendErrors   *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg yields working,
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_connections",
			Help: "Live websocket connections on this instance.",
		}),
		ClientEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_client_events_total",
			Help: "Inbound client events by type and outcome.",
		}, []string{"type", "result"}),
		MessagesStored: f.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_messages_stored_total",
			Help: "Chat messages appended to room history.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_fanout_deliveries_total",
			Help: "Events enqueued to local connections, by where the event came from.",
		}, []string{"source"}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_fanout_fallback_total",
			Help: "Events broadcast to every local connection because the room had no cached members.",
		}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_fanout_dropped_total",
			Help: "Deliveries dropped because a connection queue was full or closing.",
		}),
		RemotePublished: f.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_remote_published_total",
			Help: "Events replicated to other instances.",
		}),
		RemoteSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_remote_skipped_total",
			Help: "Channel frames ignored because this instance published them or they did not decode.",
		}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_backend_errors_total",
			Help: "Failed backend and channel operations by op.",
		}, []string{"op"}),
	}
}

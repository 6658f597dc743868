package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the fan-out core. Scraped via /metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_connections_total",
		Help: "Total WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_connections_rejected_total",
		Help: "Connections rejected at accept time by reason",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_disconnects_total",
		Help: "Disconnections by reason and initiator",
	}, []string{"reason", "initiated_by"})

	ConnectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sg_connection_duration_seconds",
		Help:    "Connection lifetime before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_messages_sent_total",
		Help: "Messages written to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_messages_received_total",
		Help: "Frames received from clients",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_bytes_sent_total",
		Help: "Bytes written to clients",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_bytes_received_total",
		Help: "Bytes received from clients",
	})

	PublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_publishes_total",
		Help: "Publish calls by channel",
	}, []string{"channel"})

	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_deliveries_total",
		Help: "Per-recipient deliveries enqueued by the dispatcher",
	})

	SerializationPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_serialization_passes_total",
		Help: "Message serialization passes (one per publish)",
	})

	DroppedSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_dropped_sends_total",
		Help: "Outbound messages dropped by reason",
	}, []string{"reason"})

	SlowConsumerDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_slow_consumer_disconnects_total",
		Help: "Clients disconnected for sustained outbound overflow",
	})

	RateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_rate_limited_frames_total",
		Help: "Inbound frames rejected by the per-connection rate window",
	})

	AdmissionRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_admission_rejects_total",
		Help: "Connection attempts rejected by the admission limiter",
	}, []string{"scope"})

	OfflineQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_offline_queue_depth",
		Help: "Total messages waiting across all user offline queues",
	})

	OfflineQueueUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_offline_queue_users",
		Help: "Users with a non-empty offline queue",
	})

	OfflineEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_offline_enqueued_total",
		Help: "Messages enqueued for offline users",
	})

	OfflineDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_offline_delivered_total",
		Help: "Offline-queued messages delivered on reconnect",
	})

	OfflineDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sg_offline_dropped_total",
		Help: "Offline-queued messages dropped by reason",
	}, []string{"reason"})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_subscriptions_active",
		Help: "Active channel subscriptions",
	})

	InactivitySweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sg_inactivity_sweeps_total",
		Help: "Connections closed by the inactivity sweep",
	})

	CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_cpu_percent",
		Help: "Process CPU usage sampled by the metrics task",
	})

	MemoryMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sg_memory_mb",
		Help: "Process resident memory in MB",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		ConnectionDuration,
		MessagesSent,
		MessagesReceived,
		BytesSent,
		BytesReceived,
		PublishesTotal,
		DeliveriesTotal,
		SerializationPasses,
		DroppedSends,
		SlowConsumerDisconnects,
		RateLimitedFrames,
		AdmissionRejects,
		OfflineQueueDepth,
		OfflineQueueUsers,
		OfflineEnqueued,
		OfflineDelivered,
		OfflineDropped,
		SubscriptionsActive,
		InactivitySweeps,
		CPUPercent,
		MemoryMB,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

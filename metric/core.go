package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metrics for the distribution layer.
// Component-specific metrics are registered separately through the registry.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	DisconnectsTotal  *prometheus.CounterVec

	// Subscription metrics
	SubscriptionsActive prometheus.Gauge
	SubscribeTotal      *prometheus.CounterVec
	UnsubscribeTotal    prometheus.Counter

	// Command routing metrics
	CommandsTotal *prometheus.CounterVec
	CommandErrors *prometheus.CounterVec

	// Publish path metrics
	EventsIngested  *prometheus.CounterVec
	FramesDelivered *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	BytesSent       prometheus.Counter
	PublishLatency  prometheus.Histogram
	FlushBatchSize  prometheus.Histogram
	BufferOccupancy prometheus.Gauge
	StaleStreams    prometheus.Gauge

	// Upstream feed metrics
	FeedConnected  prometheus.Gauge
	FeedReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of currently active client connections",
		}),

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "connections",
			Name:      "total",
			Help:      "Total client connections accepted",
		}),

		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "connections",
			Name:      "disconnects_total",
			Help:      "Total client disconnections by reason",
		}, []string{"reason"}),

		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Number of currently active subscriptions",
		}),

		SubscribeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "subscriptions",
			Name:      "subscribe_total",
			Help:      "Total subscribe requests by outcome",
		}, []string{"outcome"}),

		UnsubscribeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "subscriptions",
			Name:      "unsubscribe_total",
			Help:      "Total unsubscribe requests",
		}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total inbound client commands by type",
		}, []string{"type"}),

		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "commands",
			Name:      "errors_total",
			Help:      "Total command failures by error code",
		}, []string{"code"}),

		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "publisher",
			Name:      "events_ingested_total",
			Help:      "Total upstream events ingested by data kind",
		}, []string{"kind"}),

		FramesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "publisher",
			Name:      "frames_delivered_total",
			Help:      "Total frames enqueued for delivery by data kind",
		}, []string{"kind"}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "publisher",
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped by reason",
		}, []string{"reason"}),

		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "publisher",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to client transports",
		}),

		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tickstream",
			Subsystem: "publisher",
			Name:      "publish_latency_seconds",
			Help:      "Time from flush start to all queues enqueued",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		FlushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tickstream",
			Subsystem: "publisher",
			Name:      "flush_batch_size",
			Help:      "Distinct streams flushed per cycle",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		BufferOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Subsystem: "publisher",
			Name:      "buffer_occupancy",
			Help:      "Pending streams awaiting flush",
		}),

		StaleStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Subsystem: "publisher",
			Name:      "stale_streams",
			Help:      "Streams currently marked stale due to upstream errors",
		}),

		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tickstream",
			Subsystem: "feed",
			Name:      "connected",
			Help:      "Upstream feed connection state (0=down, 1=up)",
		}),

		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tickstream",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total upstream feed reconnections",
		}),
	}
}

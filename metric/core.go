package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds the core metrics every deployment exposes, mirroring
// the coordinator's stats counters plus transport and fan-out gauges.
type Pipeline struct {
	MessagesReceived   prometheus.Counter
	MessagesStored     prometheus.Counter
	MessagesDropped    prometheus.Counter
	ValidationErrors   prometheus.Counter
	StorageErrors      prometheus.Counter
	Reconnects         prometheus.Counter
	BatchesProcessed   prometheus.Counter
	BatchFlushDuration prometheus.Histogram

	BufferUsage        prometheus.Gauge
	TransportConnected prometheus.Gauge

	Subscribers     prometheus.Gauge
	FanoutDelivered prometheus.Counter
	FanoutDropped   prometheus.Counter
}

// NewPipeline creates the core metric set. Collectors are not
// registered; NewRegistry does that.
func NewPipeline() *Pipeline {
	return &Pipeline{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "messages_received_total",
			Help:      "Total messages delivered by the transport",
		}),
		MessagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "messages_stored_total",
			Help:      "Total messages durably stored",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped by buffer backpressure",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "validation_errors_total",
			Help:      "Total messages rejected by schema validation",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "storage_errors_total",
			Help:      "Total failed batch writes",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total successful transport reconnections",
		}),
		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "batches_processed_total",
			Help:      "Total batches successfully flushed to storage",
		}),
		BatchFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "batch_flush_duration_seconds",
			Help:      "Time spent writing a batch to storage",
			Buckets:   prometheus.DefBuckets,
		}),
		BufferUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "buffer_usage_percent",
			Help:      "Intake buffer occupancy as a percentage",
		}),
		TransportConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "connected",
			Help:      "1 when the transport session is established",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "subscribers",
			Help:      "Number of live subscriber sessions",
		}),
		FanoutDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "delivered_total",
			Help:      "Total messages delivered to subscriber sessions",
		}),
		FanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Total messages dropped for slow subscriber sessions",
		}),
	}
}

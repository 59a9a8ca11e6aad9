package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks delivery and ingestion.
type Metrics struct {
	// Delivery metrics
	DeliveryAttempts *prometheus.CounterVec // outcome: success, retryable, terminal
	Deliveries       *prometheus.CounterVec // result: delivered, failed
	DeliveryLatency  prometheus.Histogram
	QueueInFlight    prometheus.Gauge

	// Inbox metrics
	InboxActivities     *prometheus.CounterVec // type
	InboxRejected       *prometheus.CounterVec // reason
	AnnotationsIngested *prometheus.CounterVec // result: stored, duplicate, dropped

	// Local write metrics
	AnnotationsPublished prometheus.Counter
}

// NewMetrics creates and registers the federation metrics. A nil registry
// uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_delivery_attempts_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_deliveries_total",
			Help: "Completed deliveries by final result",
		}, []string{"result"}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_delivery_attempt_seconds",
			Help:    "Latency of a single delivery attempt",
			Buckets: prometheus.DefBuckets,
		}),
		QueueInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "federation_delivery_queue_in_flight",
			Help: "Deliveries currently running in the background queue",
		}),
		InboxActivities: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbox_activities_total",
			Help: "Inbound activities accepted for processing by type",
		}, []string{"type"}),
		InboxRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbox_rejected_total",
			Help: "Inbound requests rejected before processing by reason",
		}, []string{"reason"}),
		AnnotationsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_annotations_ingested_total",
			Help: "Inbound notes by ingestion result",
		}, []string{"result"}),
		AnnotationsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "federation_annotations_published_total",
			Help: "Annotations created locally and sent out",
		}),
	}
}

func newPrivateMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

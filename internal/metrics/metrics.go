package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publisher metrics
	OutboxPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox records acknowledged by the broker",
		},
	)

	OutboxPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Publisher cycles that failed on the broker or the database",
		},
	)

	OutboxUndeliverable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_undeliverable_total",
			Help: "Outbox records skipped because their type or payload cannot be decoded",
		},
		[]string{"event_type"},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Outbox records not yet sent, as of the last count",
		},
	)

	OutboxBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_duration_seconds",
			Help:    "Duration of one publisher cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Consumer metrics
	ConsumerProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_processed_total",
			Help: "Events applied for the first time",
		},
		[]string{"consumer"},
	)

	ConsumerDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_duplicates_total",
			Help: "Redelivered events suppressed by the processed-event ledger",
		},
		[]string{"consumer"},
	)

	ConsumerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_failures_total",
			Help: "Deliveries left unacknowledged for redelivery",
		},
		[]string{"consumer"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "path", "status"},
	)
)

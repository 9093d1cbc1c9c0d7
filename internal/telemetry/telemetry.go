// Package telemetry exposes the worker's Prometheus counters and
// histograms: batch outcomes and duration, decode skips, bucket writes,
// broker reconnects, and lock/overlap activity, the way the pack's server packages wrap prometheus.CounterVec /
// SummaryVec behind a small typed facade instead of scattering raw metric
// names through the pipeline.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of counters and histograms the consumer loop and
// writers update. A zero value is unsafe; use New.
type Metrics struct {
	BatchesTotal     *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	ItemsSkipped     *prometheus.CounterVec
	BucketWrites     *prometheus.CounterVec
	OverlapsResolved prometheus.Counter
	LockWaitSeconds  *prometheus.HistogramVec
	ReconnectsTotal  prometheus.Counter
}

// New registers every metric against reg. Pass prometheus.NewRegistry() in
// tests to avoid collisions with the process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketworker_batches_total",
			Help: "Batches processed by final outcome (ack, requeue, drop).",
		}, []string{"outcome"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bucketworker_batch_duration_seconds",
			Help:    "Time to process one batch end to end.",
			Buckets: prometheus.DefBuckets,
		}),
		ItemsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketworker_items_skipped_total",
			Help: "Batch items dropped during decode, by reason.",
		}, []string{"reason"}),
		BucketWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bucketworker_bucket_writes_total",
			Help: "Bucket writes by kind (data_create, data_update, event).",
		}, []string{"kind"}),
		OverlapsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "bucketworker_overlaps_resolved_total",
			Help: "Overlap-reconciliation runs triggered by an interval change.",
		}),
		LockWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bucketworker_lock_wait_seconds",
			Help:    "Time spent acquiring a distributed lock, by lock kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bucketworker_broker_reconnects_total",
			Help: "Broker reconnects triggered by a transport failure since process start.",
		}),
	}
}

// ObserveBatch records one batch's outcome and wall-clock duration.
func (m *Metrics) ObserveBatch(outcome string, d time.Duration) {
	m.BatchesTotal.WithLabelValues(outcome).Inc()
	m.BatchDuration.Observe(d.Seconds())
}

// ObserveLockWait records time spent in a lock acquire call of the given kind.
func (m *Metrics) ObserveLockWait(kind string, d time.Duration) {
	m.LockWaitSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

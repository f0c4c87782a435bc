package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventcore"

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec
	duplicateWrites      *prometheus.CounterVec
	commitDuration       prometheus.Histogram

	projectionApplied  *prometheus.CounterVec
	projectionSkipped  *prometheus.CounterVec
	projectionFailures *prometheus.CounterVec
	projectionLag      *prometheus.GaugeVec
	projectionBatch    *prometheus.HistogramVec

	subscribers prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events committed to the event store",
		}, []string{"stream_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Total number of appends rejected by the expected version check",
		}, []string{"stream_type"}),

		duplicateWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_writes_total",
			Help:      "Total number of appends answered from a prior write with the same idempotency key",
		}, []string{"stream_type"}),

		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Unit of work commit latency in seconds",
			Buckets:   defaultBuckets,
		}),

		projectionApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_events_applied_total",
			Help:      "Total number of events applied by a projection",
		}, []string{"projection"}),

		projectionSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_events_skipped_total",
			Help:      "Total number of events a projection read but does not handle",
		}, []string{"projection"}),

		projectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_failures_total",
			Help:      "Total number of failed projection batches",
		}, []string{"projection"}),

		projectionLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projection_lag",
			Help:      "Positions between the store head and the projection checkpoint",
		}, []string{"projection"}),

		projectionBatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "projection_batch_duration_seconds",
			Help:      "Projection batch latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"projection"}),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Number of live change broadcaster subscriptions",
		}),
	}

	reg.MustRegister(
		m.eventsAppended,
		m.concurrencyConflicts,
		m.duplicateWrites,
		m.commitDuration,
		m.projectionApplied,
		m.projectionSkipped,
		m.projectionFailures,
		m.projectionLag,
		m.projectionBatch,
		m.subscribers,
	)
	return m
}

func (m *Prometheus) EventsAppended(streamType string, n int) {
	m.eventsAppended.WithLabelValues(streamType).Add(float64(n))
}

func (m *Prometheus) ConcurrencyConflict(streamType string) {
	m.concurrencyConflicts.WithLabelValues(streamType).Inc()
}

func (m *Prometheus) DuplicateWrite(streamType string) {
	m.duplicateWrites.WithLabelValues(streamType).Inc()
}

func (m *Prometheus) CommitDuration(d time.Duration) {
	m.commitDuration.Observe(d.Seconds())
}

func (m *Prometheus) ProjectionApplied(projection string, n int) {
	m.projectionApplied.WithLabelValues(projection).Add(float64(n))
}

func (m *Prometheus) ProjectionSkipped(projection string, n int) {
	m.projectionSkipped.WithLabelValues(projection).Add(float64(n))
}

func (m *Prometheus) ProjectionFailure(projection string) {
	m.projectionFailures.WithLabelValues(projection).Inc()
}

func (m *Prometheus) ProjectionLag(projection string, lag int64) {
	m.projectionLag.WithLabelValues(projection).Set(float64(lag))
}

func (m *Prometheus) ProjectionBatchDuration(projection string, d time.Duration) {
	m.projectionBatch.WithLabelValues(projection).Observe(d.Seconds())
}

func (m *Prometheus) BroadcastSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

var _ Recorder = (*Prometheus)(nil)

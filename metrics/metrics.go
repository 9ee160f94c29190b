// Package metrics instruments the worker and queue with Prometheus
// collectors, grounded on cuemby-warren's pkg/metrics: package-level
// collector vars, a single init() that registers them all, and a
// Timer helper for histogram observations. The HTTP exposition
// handler (promhttp.Handler) is intentionally not ported — this
// engine has no HTTP surface; a caller that wants /metrics can wire
// prometheus.DefaultGatherer into whatever transport it already runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueueDepth reports the pending-list length, by version, sampled
	// by the worker once per loop iteration, before each take.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphmutate_queue_depth",
			Help: "Number of pending items in the mutation queue, by version",
		},
		[]string{"version"},
	)

	// ReconcileDuration times Reconciler.Apply / ApplyBulk.
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphmutate_reconcile_duration_seconds",
			Help:    "Time taken to reconcile one queued item against the schema/state graph pair",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// PersistDuration times Store.PersistLive / ArchiveSnapshot.
	PersistDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphmutate_persist_duration_seconds",
			Help:    "Time taken to persist the live graphs or an archive snapshot",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// MutationsTotal counts applied mutations by action and outcome
	// (applied, failed, poison).
	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphmutate_mutations_total",
			Help: "Total number of mutation items processed, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// ProcessingVersions reports the number of versions currently being
	// worked on (mirrors monitor.Stats.ActiveVersions).
	ProcessingVersions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphmutate_processing_versions",
			Help: "Number of versions currently being processed by the worker",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(PersistDuration)
	prometheus.MustRegister(MutationsTotal)
	prometheus.MustRegister(ProcessingVersions)
}

// Timer times an operation and reports its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

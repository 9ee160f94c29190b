package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()
	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}
	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	sleepDuration := 50 * time.Millisecond
	time.Sleep(sleepDuration)

	duration := timer.Duration()
	if duration < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", duration, sleepDuration)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)
}

func TestTimerObserveDurationVec(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_duration_vec_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(histogramVec, "create")
}

func TestQueueDepthGauge(t *testing.T) {
	QueueDepth.WithLabelValues("test-version").Set(3)
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("test-version")); got != 3 {
		t.Errorf("QueueDepth = %v, want 3", got)
	}
}

func TestMutationsTotalCounter(t *testing.T) {
	before := testutil.ToFloat64(MutationsTotal.WithLabelValues("create", "applied"))
	MutationsTotal.WithLabelValues("create", "applied").Inc()
	after := testutil.ToFloat64(MutationsTotal.WithLabelValues("create", "applied"))
	if after != before+1 {
		t.Errorf("MutationsTotal did not increment: before=%v after=%v", before, after)
	}
}

package authgate

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricFirstFactorSuccess)

	if got := m.Value(MetricFirstFactorSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricFirstFactorSuccess)
	m.Inc(MetricFirstFactorSuccess)
	m.Inc(MetricFirstFactorSuccess)

	if got := m.Value(MetricFirstFactorSuccess); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricTOTPSuccess)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricTOTPSuccess); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}

	for _, d := range observations {
		m.Observe(MetricFirstFactorLatency, d)
	}

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricFirstFactorLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}

	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestMetricsSnapshotConsistency(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Inc(MetricFirstFactorSuccess)
	m.Inc(MetricFirstFactorFailure)
	m.Inc(MetricFirstFactorFailure)
	m.Observe(MetricFirstFactorLatency, 2*time.Millisecond)

	snap := m.Snapshot()

	if snap.Counters[MetricFirstFactorSuccess] != 1 {
		t.Fatalf("expected MetricFirstFactorSuccess=1 got %d", snap.Counters[MetricFirstFactorSuccess])
	}
	if snap.Counters[MetricFirstFactorFailure] != 2 {
		t.Fatalf("expected MetricFirstFactorFailure=2 got %d", snap.Counters[MetricFirstFactorFailure])
	}
	if len(snap.Histograms[MetricFirstFactorLatency]) != 8 {
		t.Fatalf("expected histogram length 8")
	}
	if snap.Histograms[MetricFirstFactorLatency][0] != 1 {
		t.Fatalf("expected first histogram bucket=1 got %d", snap.Histograms[MetricFirstFactorLatency][0])
	}
}

func TestMetricsObserveIgnoresCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Observe(MetricTOTPSuccess, time.Millisecond)

	snap := m.Snapshot()
	if _, ok := snap.Histograms[MetricTOTPSuccess]; ok {
		t.Fatal("expected no histogram for a counter id")
	}
	if snap.Counters[MetricTOTPSuccess] != 0 {
		t.Fatalf("expected counter untouched, got %d", snap.Counters[MetricTOTPSuccess])
	}
}

func TestEngineFirstFactorUpdatesMetrics(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Builder) {
		c.Metrics.EnableLatencyHistograms = true
	})
	ctx := context.Background()

	env.login(t, "john", "password")
	if _, err := env.engine.SubmitFirstFactor(ctx, env.newSession(t), "john", "nope"); err == nil {
		t.Fatal("expected wrong password to fail")
	}

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[MetricFirstFactorSuccess] != 1 {
		t.Fatalf("expected one success, got %d", snap.Counters[MetricFirstFactorSuccess])
	}
	if snap.Counters[MetricFirstFactorFailure] != 1 {
		t.Fatalf("expected one failure, got %d", snap.Counters[MetricFirstFactorFailure])
	}
	if snap.Counters[MetricSessionCreated] < 2 {
		t.Fatalf("expected sessions to be counted, got %d", snap.Counters[MetricSessionCreated])
	}

	var observed uint64
	for _, v := range snap.Histograms[MetricFirstFactorLatency] {
		observed += v
	}
	if observed != 2 {
		t.Fatalf("expected two latency observations, got %d", observed)
	}
}

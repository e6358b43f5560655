package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("AddOrder", "ok", 20*time.Millisecond)
	m.ObserveRetry("AddOrder")
	m.ObserveRetry("AddOrder")
	m.ObserveUnmatched("stream", "fill")

	if got := testutil.ToFloat64(m.Retries.WithLabelValues("AddOrder")); got != 2 {
		t.Fatalf("retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UnmatchedUpdates.WithLabelValues("stream", "fill")); got != 1 {
		t.Fatalf("unmatched = %v, want 1", got)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("Gather() returned no metric families")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("Balance", "ok", time.Millisecond)
	m.ObserveLockCapped("USD")
	m.ObservePlacement("unknown")
}

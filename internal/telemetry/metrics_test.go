package telemetry

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestAuditEventsCounterLabels(t *testing.T) {
	counter := AuditEventsTotal.WithLabelValues("document_create", "success")
	before := counterValue(t, counter)

	counter.Inc()
	counter.Inc()

	if got := counterValue(t, counter); got != before+2 {
		t.Errorf("expected counter to advance by 2, got %v -> %v", before, got)
	}
}

func TestFallbackCounter(t *testing.T) {
	before := counterValue(t, AuditFallbackTotal)
	AuditFallbackTotal.Inc()
	if got := counterValue(t, AuditFallbackTotal); got != before+1 {
		t.Errorf("expected fallback counter to advance, got %v -> %v", before, got)
	}
}

func TestAppendDurationObserved(t *testing.T) {
	AuditAppendDuration.Observe(0.005)

	m := &dto.Metric{}
	if err := AuditAppendDuration.Write(m); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	if m.GetHistogram().GetSampleCount() == 0 {
		t.Error("histogram should record observations")
	}
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

package telemetry

import (
	"testing"
	"time"
)

func TestNewMetrics_DisabledReturnsNil(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	if m != nil {
		t.Fatalf("expected nil Metrics when disabled")
	}
	// Nil-receiver methods must not panic so call sites never need a
	// feature-flag check.
	m.RecordScanStarted("semgrep")
	m.RecordToolCall("semgrep", "success", 10*time.Millisecond)
	m.SetSchedulerInFlight("tools", 3)
	if m.Handler() == nil {
		t.Fatalf("expected a non-nil not-found handler even when disabled")
	}
}

func TestNewMetrics_EnabledRegistersAndRecords(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	if m == nil {
		t.Fatalf("expected non-nil Metrics when enabled")
	}

	m.RecordScanStarted("semgrep")
	m.RecordScanFinished("semgrep", "success")
	m.RecordNodeTransition("single_scan", "completed")
	m.RecordNodeDuration("single_scan", 2*time.Second)
	m.RecordToolCall("semgrep", "success", 500*time.Millisecond)
	m.RecordToolRetry("semgrep")
	m.SetSchedulerInFlight("tools", 2)
	m.RecordFindingEmitted("HIGH")
	m.SetCheckpointSequence("wf-1", 4)

	metricFamilies, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(metricFamilies) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}

	if m.Handler() == nil {
		t.Fatalf("expected a non-nil metrics handler")
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExecutionSuccess(t *testing.T) {
	m := Get()
	exitCode := 0

	before := testutil.ToFloat64(m.ExecutionsSuccessTotal.WithLabelValues("python"))
	m.RecordExecution("python", "success", &exitCode, 50*time.Millisecond)
	after := testutil.ToFloat64(m.ExecutionsSuccessTotal.WithLabelValues("python"))

	if after != before+1 {
		t.Errorf("expected success counter to increment by 1, got delta %f", after-before)
	}
}

func TestRecordExecutionError(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(m.ExecutionsErrorTotal.WithLabelValues("python", "timeout"))
	m.RecordExecution("python", "timeout", nil, time.Second)
	after := testutil.ToFloat64(m.ExecutionsErrorTotal.WithLabelValues("python", "timeout"))

	if after != before+1 {
		t.Errorf("expected error counter to increment by 1, got delta %f", after-before)
	}
}

func TestSessionLifecycleGauge(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(m.SessionsActive)
	m.RecordSessionCreated("python")
	afterCreate := testutil.ToFloat64(m.SessionsActive)
	if afterCreate != before+1 {
		t.Errorf("expected active sessions to increment, got delta %f", afterCreate-before)
	}

	m.RecordSessionTerminated()
	afterTerminate := testutil.ToFloat64(m.SessionsActive)
	if afterTerminate != before {
		t.Errorf("expected active sessions to return to baseline, got %f want %f", afterTerminate, before)
	}
}

func TestUpdateSessionUsage(t *testing.T) {
	m := Get()
	m.UpdateSessionUsage("alice", 42.5, 128.0)

	if got := testutil.ToFloat64(m.SessionCPUUsage.WithLabelValues("alice")); got != 42.5 {
		t.Errorf("expected cpu usage 42.5, got %f", got)
	}
	if got := testutil.ToFloat64(m.SessionMemoryUsageMB.WithLabelValues("alice")); got != 128.0 {
		t.Errorf("expected memory usage 128.0, got %f", got)
	}

	m.ClearSessionUsage("alice")
}

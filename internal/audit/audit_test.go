package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"cage/internal/model"
)

func TestRecordAppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sink.Close()

	sink.Record(model.AuditEvent{
		EventType: model.AuditCodeExecution,
		UserID:    "alice",
		Action:    "execute",
		Outcome:   model.OutcomeSuccess,
	})
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() {
		var event model.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		if event.UserID != "alice" {
			t.Errorf("unexpected user_id: %s", event.UserID)
		}
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one audit line, got %d", count)
	}
}

func TestDeniedRecordsReason(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sink.Close()

	sink.Denied(model.AuditResourceLimit, "alice", "execute", "rate limit exceeded")
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	var event model.AuditEvent
	if err := json.Unmarshal(data[:len(data)-1], &event); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if event.Outcome != model.OutcomeDenied {
		t.Errorf("expected denied outcome, got %s", event.Outcome)
	}
	if event.Details["reason"] != "rate limit exceeded" {
		t.Errorf("expected reason to be recorded, got %+v", event.Details)
	}
}

func TestExecutionStartedSetsExecutionID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sink.Close()

	id := uuid.New()
	sink.ExecutionStarted("alice", id)
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}
	var event model.AuditEvent
	if err := json.Unmarshal(data[:len(data)-1], &event); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if event.ExecutionID == nil || *event.ExecutionID != id {
		t.Errorf("expected execution id to be recorded")
	}
}

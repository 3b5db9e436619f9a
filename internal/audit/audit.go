// Package audit implements the append-only security audit sink: one JSON
// line per admission decision, execution, or denial.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cage/internal/logging"
	"cage/internal/model"
)

// Sink appends AuditEvents to a JSONL file. Writes are serialized by a
// mutex; a logging failure never blocks or fails the caller's operation.
type Sink struct {
	mu   sync.Mutex
	file *os.File
}

// New opens (or creates) the audit log at path for append.
func New(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return &Sink{file: file}, nil
}

// Record appends one event, stamping Timestamp if the caller left it zero.
func (s *Sink) Record(event model.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		logging.L().Warn("failed to marshal audit event", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		logging.L().Warn("failed to write audit event", zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// ExecutionStarted records a CODE_EXECUTION audit event for a newly admitted
// request.
func (s *Sink) ExecutionStarted(userID string, executionID uuid.UUID) {
	s.Record(model.AuditEvent{
		EventType:   model.AuditCodeExecution,
		UserID:      userID,
		Action:      "execute",
		Outcome:     model.OutcomeSuccess,
		ExecutionID: &executionID,
	})
}

// Denied records a denial, tagging the reason in Details["reason"].
func (s *Sink) Denied(eventType model.AuditEventType, userID, action, reason string) {
	s.Record(model.AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Action:    action,
		Outcome:   model.OutcomeDenied,
		Details:   map[string]string{"reason": reason},
	})
}

// Package sandbox manages long-lived, per-user containers and the code
// executions run inside them. One session binds one (user_id, language)
// pair to exactly one container for as long as the session lives; the
// container runs an idle sleep loop between executions rather than being
// created and torn down per call.
package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cage/internal/model"
	"cage/pkg/models"
)

// maxExecutionHistory bounds the ring buffer of recent executions kept per
// session; older entries are dropped once the limit is reached.
const maxExecutionHistory = 100

// Session is one user's live container binding. All mutable fields are
// behind mu; callers never see a torn read.
type Session struct {
	ID        uuid.UUID
	UserID    string
	Language  model.Language
	CreatedAt time.Time

	WorkspacePath  string
	ResourceLimits models.ResourceLimits
	NetworkPolicy  models.NetworkPolicy

	mu           sync.RWMutex
	containerID  string
	status       model.SessionStatus
	lastActivity time.Time
	currentUsage *model.ResourceUsage
	history      []model.ExecutionSummary
	security     []model.SecurityEvent

	executionCount uint64
	errorCount     uint64

	// execLock enforces single-execution-at-a-time per session, mirroring
	// the container's single shell: a second request must wait for the
	// first to finish rather than race it inside the same container.
	execLock chan struct{}
}

// NewSession allocates a session in the Creating state. The caller starts
// the backing container and calls SetContainerID/SetStatus once it is up.
func NewSession(userID string, language model.Language, workspacePath string, limits models.ResourceLimits, netPolicy models.NetworkPolicy) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.New(),
		UserID:         userID,
		Language:       language,
		CreatedAt:      now,
		WorkspacePath:  workspacePath,
		ResourceLimits: limits,
		NetworkPolicy:  netPolicy,
		status:         model.SessionCreating,
		lastActivity:   now,
		execLock:       make(chan struct{}, 1),
	}
}

// ContainerID returns the backing container's ID, or "" if not yet started.
func (s *Session) ContainerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containerID
}

// SetContainerID records the backing container once it has been created.
func (s *Session) SetContainerID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containerID = id
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() model.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus transitions the session to a new lifecycle state.
func (s *Session) SetStatus(status model.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Touch records execution activity, used by idle-reaping.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
}

// LastActivity returns the last time this session executed code.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// IncrementExecutions bumps the lifetime execution counter.
func (s *Session) IncrementExecutions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionCount++
}

// IncrementErrors bumps the lifetime error counter.
func (s *Session) IncrementErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
}

// SetUsage records the most recent resource-usage sample for this session.
func (s *Session) SetUsage(usage model.ResourceUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUsage = &usage
}

// Usage returns the most recent resource-usage sample, or nil if none has
// been collected yet.
func (s *Session) Usage() *model.ResourceUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUsage
}

// AddExecution appends to the bounded execution history, dropping the
// oldest entry once the history is full.
func (s *Session) AddExecution(summary model.ExecutionSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, summary)
	if len(s.history) > maxExecutionHistory {
		s.history = s.history[len(s.history)-maxExecutionHistory:]
	}
}

// History returns a copy of the session's recent execution summaries.
func (s *Session) History() []model.ExecutionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ExecutionSummary, len(s.history))
	copy(out, s.history)
	return out
}

// RecordSecurityEvent appends a security event. Nothing on the execution
// path calls this today; it exists for a future analyzer hook to populate.
func (s *Session) RecordSecurityEvent(event model.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.security = append(s.security, event)
}

// AcquireExecutionLock blocks until this session's single execution slot is
// free, then returns a release function. Callers must defer the release.
func (s *Session) AcquireExecutionLock() func() {
	s.execLock <- struct{}{}
	return func() { <-s.execLock }
}

// TryAcquireExecutionLock attempts to claim the execution slot without
// blocking. It returns nil if another execution is already in flight.
func (s *Session) TryAcquireExecutionLock() func() {
	select {
	case s.execLock <- struct{}{}:
		return func() { <-s.execLock }
	default:
		return nil
	}
}

// Info returns a read-only snapshot safe to hand outside the session lock.
func (s *Session) Info() model.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var containerID *string
	if s.containerID != "" {
		id := s.containerID
		containerID = &id
	}
	return model.SessionInfo{
		SessionID:      s.ID,
		UserID:         s.UserID,
		ContainerID:    containerID,
		Status:         s.status,
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.lastActivity,
		ResourceLimits: s.ResourceLimits,
		CurrentUsage:   s.currentUsage,
		NetworkPolicy:  s.NetworkPolicy,
	}
}

// AdminSummary returns the row shape used for an administrative listing.
func (s *Session) AdminSummary() model.AdminSessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var containerID *string
	if s.containerID != "" {
		id := s.containerID
		containerID = &id
	}
	var cpu, mem float64
	if s.currentUsage != nil {
		cpu = s.currentUsage.CPUPercent
		mem = s.currentUsage.MemoryMB
	}
	warnings := make([]string, 0, len(s.security))
	for _, e := range s.security {
		warnings = append(warnings, e.Message)
	}
	return model.AdminSessionSummary{
		UserID:         s.UserID,
		ContainerID:    containerID,
		Status:         s.status,
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.lastActivity,
		CPUPercent:     cpu,
		MemoryMB:       mem,
		ExecutionCount: s.executionCount,
		ErrorCount:     s.errorCount,
		Warnings:       warnings,
	}
}

// sessionKey is the map key a SessionManager indexes sessions by: one
// container per (user, language) pair.
func sessionKey(userID string, language model.Language) string {
	return userID + "_" + string(language)
}

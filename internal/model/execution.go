package model

import (
	"time"

	"github.com/google/uuid"

	"cage/pkg/models"
)

// ExecutionStatus is the outcome of running a request to completion.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusError   ExecutionStatus = "error"
	StatusTimeout ExecutionStatus = "timeout"
	StatusKilled  ExecutionStatus = "killed"
)

// ExecuteRequest is the admission-pipeline input for running one piece of
// code. Persistent mode is only meaningful for Python; other combinations
// silently fall back to one-shot.
type ExecuteRequest struct {
	Language        Language          `json:"language"`
	Code            string            `json:"code"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Persistent      bool              `json:"persistent,omitempty"`
}

// MaxCodeBytes is the largest accepted request payload.
const MaxCodeBytes = 1_000_000

// IsPersistentEligible reports whether this request actually qualifies for
// the persistent-interpreter path; all other requests run one-shot.
func (r ExecuteRequest) IsPersistentEligible() bool {
	return r.Persistent && r.Language == LanguagePython
}

// ExecuteResponse is the result of running an ExecuteRequest to completion
// (or timeout/kill). execution_id is freshly assigned per attempt, even when
// the request originated from a replay.
type ExecuteResponse struct {
	ExecutionID    uuid.UUID       `json:"execution_id"`
	Status         ExecutionStatus `json:"status"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	FilesCreated   []string        `json:"files_created"`
	ResourceUsage  *ResourceUsage  `json:"resource_usage,omitempty"`
}

// ResourceUsage is a point-in-time sample of a running container's
// consumption, as decoded from the Docker stats API's JSON response.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	DiskMB     float64 `json:"disk_mb"`
	PIDs       uint32  `json:"pids"`
}

// ExecutionSummary is the compact record kept in a session's bounded
// history ring buffer.
type ExecutionSummary struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Language    Language        `json:"language"`
	CodeHash    string          `json:"code_hash"`
	Status      ExecutionStatus `json:"status"`
	DurationMS  int64           `json:"duration_ms"`
	ExitCode    *int            `json:"exit_code,omitempty"`
}

// SessionStatus is the externally visible projection of a Session's
// internal state machine.
type SessionStatus string

const (
	SessionCreating SessionStatus = "creating"
	SessionRunning  SessionStatus = "running"
	SessionStopped  SessionStatus = "stopped"
	SessionError    SessionStatus = "error"
)

// SessionInfo is a read-only snapshot of a Session, safe to hand to a
// caller outside the lock that protects the live Session.
type SessionInfo struct {
	SessionID      uuid.UUID             `json:"session_id"`
	UserID         string                `json:"user_id"`
	ContainerID    *string               `json:"container_id,omitempty"`
	Status         SessionStatus         `json:"status"`
	CreatedAt      time.Time             `json:"created_at"`
	LastActivity   time.Time             `json:"last_activity"`
	ResourceLimits models.ResourceLimits `json:"resource_limits"`
	CurrentUsage   *ResourceUsage        `json:"current_usage,omitempty"`
	NetworkPolicy  models.NetworkPolicy  `json:"network_policy"`
}

// AdminSessionSummary is the row shape for an administrative listing of all
// live sessions across users.
type AdminSessionSummary struct {
	UserID          string        `json:"user_id"`
	ContainerID     *string       `json:"container_id,omitempty"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivity    time.Time     `json:"last_activity"`
	CPUPercent      float64       `json:"cpu_percent"`
	MemoryMB        float64       `json:"memory_mb"`
	ExecutionCount  uint64        `json:"execution_count"`
	ErrorCount      uint64        `json:"error_count"`
	Warnings        []string      `json:"warnings"`
}

// FileType distinguishes directory entries in a workspace listing.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
)

// FileInfo describes one entry in a workspace listing.
type FileInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       FileType  `json:"file_type"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FileListResponse is the result of listing a workspace directory.
type FileListResponse struct {
	Path           string     `json:"path"`
	Files          []FileInfo `json:"files"`
	TotalSizeBytes int64      `json:"total_size_bytes"`
}

// StoredExecution is the replay record persisted by the replay store: one
// file per record, immutable once written.
type StoredExecution struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	UserID      string          `json:"user_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Request     ExecuteRequest  `json:"request"`
	Response    ExecuteResponse `json:"response"`
	Code        string          `json:"code"`
}

// SecurityEvent is recorded per-session but, per the upstream design, never
// populated on the critical path today; treat any derived
// "security events in the last hour" figure as always zero unless a future
// component starts writing to it.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

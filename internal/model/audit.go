package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType classifies an audit event for downstream SIEM routing.
type AuditEventType string

const (
	AuditAuthentication    AuditEventType = "AUTHENTICATION"
	AuditAuthorization     AuditEventType = "AUTHORIZATION"
	AuditCodeExecution     AuditEventType = "CODE_EXECUTION"
	AuditFileOperation     AuditEventType = "FILE_OPERATION"
	AuditSessionManagement AuditEventType = "SESSION_MANAGEMENT"
	AuditResourceLimit     AuditEventType = "RESOURCE_LIMIT"
	AuditSecurityViolation AuditEventType = "SECURITY_VIOLATION"
	AuditConfigChange      AuditEventType = "CONFIG_CHANGE"
)

// AuditOutcome is the result recorded against an audit event.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "SUCCESS"
	OutcomeFailure AuditOutcome = "FAILURE"
	OutcomeDenied  AuditOutcome = "DENIED"
)

// AuditEvent is the bit-stable shape consumed by the audit sink. Every
// admission decision, execution, and denial emits exactly one of these.
type AuditEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   AuditEventType    `json:"event_type"`
	UserID      string            `json:"user_id"`
	Action      string            `json:"action"`
	Outcome     AuditOutcome      `json:"outcome"`
	Details     map[string]string `json:"details,omitempty"`
	ExecutionID *uuid.UUID        `json:"execution_id,omitempty"`
	ContainerID *string           `json:"container_id,omitempty"`
	SourceIP    *string           `json:"source_ip,omitempty"`
}

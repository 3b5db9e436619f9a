package store

import (
	"time"

	"gorm.io/gorm"

	"cage/internal/model"
)

// AuditRecord is the SQL-backed mirror of model.AuditEvent, for deployments
// that want audit history queryable alongside user accounts rather than (or
// in addition to) the JSONL sink in the audit package.
type AuditRecord struct {
	ID          uint      `gorm:"primarykey"`
	Timestamp   time.Time `gorm:"index"`
	EventType   string    `gorm:"index"`
	UserID      string    `gorm:"index"`
	Action      string
	Outcome     string
	Details     string `gorm:"type:text"` // JSON-encoded map[string]string
	ExecutionID string `gorm:"index"`
	ContainerID string
	SourceIP    string
}

// AuditRepository persists audit events to the relational store.
type AuditRepository struct {
	db *gorm.DB
}

// Audit returns a repository bound to s's database.
func (s *Store) Audit() *AuditRepository {
	return &AuditRepository{db: s.DB}
}

func (r *AuditRepository) Create(rec *AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return r.db.Create(rec).Error
}

func (r *AuditRepository) ForUser(userID string, limit, offset int) ([]AuditRecord, error) {
	var records []AuditRecord
	err := r.db.Where("user_id = ?", userID).
		Order("timestamp desc").
		Limit(limit).Offset(offset).
		Find(&records).Error
	return records, err
}

func (r *AuditRepository) ByEventType(eventType model.AuditEventType, limit, offset int) ([]AuditRecord, error) {
	var records []AuditRecord
	err := r.db.Where("event_type = ?", string(eventType)).
		Order("timestamp desc").
		Limit(limit).Offset(offset).
		Find(&records).Error
	return records, err
}

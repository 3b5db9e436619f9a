package store

import (
	"path/filepath"
	"testing"

	"cage/internal/model"
	"cage/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &Config{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "cage.db")}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	users := s.Users()

	user := &models.User{
		UserID:           "alice",
		Enabled:          true,
		ResourceLimits:   models.DefaultResourceLimits(),
		NetworkPolicy:    models.DefaultNetworkPolicy(),
		AllowedLanguages: []string{"python", "bash"},
	}
	if err := users.Create(user); err != nil {
		t.Fatalf("unexpected error creating user: %v", err)
	}

	got, err := users.GetByUserID("alice")
	if err != nil {
		t.Fatalf("unexpected error fetching user: %v", err)
	}
	if got.UserID != "alice" || !got.Enabled {
		t.Errorf("unexpected user record: %+v", got)
	}
}

func TestCreateRejectsInvalidUserID(t *testing.T) {
	s := newTestStore(t)
	err := s.Users().Create(&models.User{UserID: "not valid!"})
	if err == nil {
		t.Fatal("expected error for invalid user_id")
	}
}

func TestGetByUserIDNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Users().GetByUserID("nobody"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDisableUser(t *testing.T) {
	s := newTestStore(t)
	users := s.Users()
	_ = users.Create(&models.User{UserID: "bob", Enabled: true})

	if err := users.Disable("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := users.GetByUserID("bob")
	if got.Enabled {
		t.Errorf("expected user to be disabled")
	}
}

func TestAuditRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	audit := s.Audit()

	if err := audit.Create(&AuditRecord{
		EventType: string(model.AuditCodeExecution),
		UserID:    "alice",
		Action:    "execute",
		Outcome:   string(model.OutcomeSuccess),
	}); err != nil {
		t.Fatalf("unexpected error recording audit event: %v", err)
	}

	records, err := audit.ForUser("alice", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error listing audit records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Action != "execute" {
		t.Errorf("unexpected action: %q", records[0].Action)
	}
}

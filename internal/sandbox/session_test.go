package sandbox

import (
	"testing"

	"cage/internal/model"
	"cage/pkg/models"
)

func TestSessionLifecycleTransitions(t *testing.T) {
	s := NewSession("alice", model.LanguagePython, t.TempDir(), models.DefaultResourceLimits(), models.DefaultNetworkPolicy())

	if s.Status() != model.SessionCreating {
		t.Fatalf("expected new session to start Creating, got %s", s.Status())
	}

	s.SetContainerID("container-123")
	s.SetStatus(model.SessionRunning)

	if s.ContainerID() != "container-123" {
		t.Errorf("unexpected container id: %s", s.ContainerID())
	}
	if s.Status() != model.SessionRunning {
		t.Errorf("expected Running, got %s", s.Status())
	}
}

func TestSessionExecutionLockIsExclusive(t *testing.T) {
	s := NewSession("bob", model.LanguagePython, t.TempDir(), models.DefaultResourceLimits(), models.DefaultNetworkPolicy())

	release := s.AcquireExecutionLock()
	if unlock := s.TryAcquireExecutionLock(); unlock != nil {
		unlock()
		t.Fatal("expected second acquire to fail while first is held")
	}
	release()

	unlock := s.TryAcquireExecutionLock()
	if unlock == nil {
		t.Fatal("expected acquire to succeed after release")
	}
	unlock()
}

func TestSessionHistoryIsBounded(t *testing.T) {
	s := NewSession("carol", model.LanguagePython, t.TempDir(), models.DefaultResourceLimits(), models.DefaultNetworkPolicy())

	for i := 0; i < maxExecutionHistory+10; i++ {
		s.AddExecution(model.ExecutionSummary{Status: model.StatusSuccess})
	}

	if got := len(s.History()); got != maxExecutionHistory {
		t.Fatalf("expected history capped at %d, got %d", maxExecutionHistory, got)
	}
}

func TestSessionInfoReflectsContainerID(t *testing.T) {
	s := NewSession("dave", model.LanguagePython, t.TempDir(), models.DefaultResourceLimits(), models.DefaultNetworkPolicy())
	info := s.Info()
	if info.ContainerID != nil {
		t.Fatalf("expected nil container id before start, got %v", *info.ContainerID)
	}

	s.SetContainerID("abc")
	info = s.Info()
	if info.ContainerID == nil || *info.ContainerID != "abc" {
		t.Fatalf("expected container id abc, got %v", info.ContainerID)
	}
}

func TestSessionKeyIsPerLanguage(t *testing.T) {
	a := sessionKey("alice", model.LanguagePython)
	b := sessionKey("alice", model.LanguageJavascript)
	if a == b {
		t.Fatal("expected distinct keys per language for the same user")
	}
}

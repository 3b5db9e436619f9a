package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/client"

	"cage/internal/config"
	"cage/internal/model"
	"cage/pkg/models"
)

// newUnstartedManager builds a Manager around a Docker client value that is
// never dialed — safe as long as tests only exercise sessions with no
// containerID, so TerminateSession never reaches the Docker API.
func newUnstartedManager(t *testing.T) *Manager {
	t.Helper()
	docker, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		t.Fatalf("failed to construct docker client: %v", err)
	}
	cfg := &config.AppConfig{DataDir: t.TempDir()}
	return NewManager(cfg, docker, nil)
}

func TestReapIdleSessionsTerminatesOnlyStale(t *testing.T) {
	m := newUnstartedManager(t)

	fresh := NewSession("alice", model.LanguagePython, t.TempDir(), models.DefaultResourceLimits(), models.DefaultNetworkPolicy())
	stale := NewSession("bob", model.LanguageJavascript, t.TempDir(), models.DefaultResourceLimits(), models.DefaultNetworkPolicy())

	m.mu.Lock()
	m.sessions[sessionKey("alice", model.LanguagePython)] = fresh
	m.sessions[sessionKey("bob", model.LanguageJavascript)] = stale
	m.mu.Unlock()

	// Force "bob"'s session to look idle without waiting in real time.
	stale.mu.Lock()
	stale.lastActivity = time.Now().UTC().Add(-2 * time.Hour)
	stale.mu.Unlock()

	reaped := m.ReapIdleSessions(context.Background(), time.Hour)
	if reaped != 1 {
		t.Fatalf("expected exactly one idle session reaped, got %d", reaped)
	}

	if _, ok := m.GetSession("bob", model.LanguageJavascript); ok {
		t.Error("expected bob's idle session to be removed")
	}
	if _, ok := m.GetSession("alice", model.LanguagePython); !ok {
		t.Error("expected alice's fresh session to remain")
	}
}

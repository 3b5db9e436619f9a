package config

import (
	"testing"

	"cage/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CAGE_HOST", "")
	t.Setenv("CAGE_PORT", "")
	cfg := Load()

	if cfg.Host != "0.0.0.0" {
		t.Errorf("expected default host, got %q", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if !cfg.DefaultLimits.Valid() {
		t.Errorf("default limits must satisfy invariants: %+v", cfg.DefaultLimits)
	}
}

func TestUserOverrideResolution(t *testing.T) {
	cfg := Load()

	base := cfg.GetUserLimits("alice")
	if base != cfg.DefaultLimits {
		t.Fatalf("expected default limits before override")
	}

	override := models.ResourceLimits{MaxMemoryMB: 256, MaxCPUs: 0.5, MaxPIDs: 64, MaxExecutionSeconds: 10, MaxDiskMB: 100}
	cfg.SetUserLimits("alice", override)

	got := cfg.GetUserLimits("alice")
	if got != override {
		t.Errorf("expected override limits, got %+v", got)
	}

	// Unrelated user is unaffected.
	if cfg.GetUserLimits("bob") != cfg.DefaultLimits {
		t.Errorf("override must not leak across users")
	}
}

func TestWorkspacePathIsPerUser(t *testing.T) {
	cfg := Load()
	cfg.DataDir = "/tmp/cage-data"

	if got := cfg.WorkspacePath("alice"); got != "/tmp/cage-data/user_alice" {
		t.Errorf("unexpected workspace path: %s", got)
	}
}

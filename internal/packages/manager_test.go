package packages

import (
	"context"
	"testing"

	"cage/internal/model"
)

func TestAllowlistSeeds(t *testing.T) {
	m := New(DefaultConfig(), nil)

	if !m.IsAllowed("requests", model.LanguagePython) {
		t.Errorf("expected requests to be pre-allowed for python")
	}
	if !m.IsAllowed("lodash", model.LanguageJavascript) {
		t.Errorf("expected lodash to be pre-allowed for javascript")
	}
	if m.IsAllowed("unknown-package", model.LanguagePython) {
		t.Errorf("unseeded package must not be allowed")
	}
	if m.IsAllowed("requests", model.LanguageBash) {
		t.Errorf("bash has no package installer and must never allow")
	}
}

func TestAddToAllowlist(t *testing.T) {
	m := New(DefaultConfig(), nil)

	if err := m.AddToAllowlist("my-package", model.LanguagePython); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.IsAllowed("my-package", model.LanguagePython) {
		t.Errorf("expected newly added package to be allowed")
	}

	if err := m.AddToAllowlist("x", model.LanguageBash); err == nil {
		t.Errorf("expected error adding to an unsupported language's allowlist")
	}
}

func TestInstallRejectedWhenDisabled(t *testing.T) {
	m := New(DefaultConfig(), nil)

	_, err := m.Install(context.Background(), "alice", "container1", "requests", model.LanguagePython)
	if err == nil {
		t.Fatal("expected install to fail while disabled")
	}
}

func TestInstallRejectsPackageOutsideAllowlist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	m := New(cfg, nil)

	_, err := m.Install(context.Background(), "alice", "container1", "not-allowed-pkg", model.LanguagePython)
	if err == nil {
		t.Fatal("expected install to fail for a package outside the allowlist")
	}
}

func TestInstallRejectsOverSessionCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MaxPackagesPerSession = 1
	m := New(cfg, nil)

	m.mu.Lock()
	m.installed["alice"] = map[string]struct{}{"requests": {}}
	m.mu.Unlock()

	_, err := m.Install(context.Background(), "alice", "container1", "pillow", model.LanguagePython)
	if err == nil {
		t.Fatal("expected install to fail once the session cap is reached")
	}
}

type fakeExecer struct {
	lastCmd []string
	lastEnv map[string]string
	stdout  string
	stderr  string
	exit    int
	err     error
}

func (f *fakeExecer) RunCommand(ctx context.Context, containerID string, args []string, env map[string]string) (string, string, int, error) {
	f.lastCmd = args
	f.lastEnv = env
	return f.stdout, f.stderr, f.exit, f.err
}

func TestInstallSucceedsAndTracksPackage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	exec := &fakeExecer{stdout: "Successfully installed requests"}
	m := New(cfg, exec)

	out, err := m.Install(context.Background(), "alice", "container1", "requests", model.LanguagePython)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != exec.stdout {
		t.Errorf("expected install output to be returned, got %q", out)
	}
	if got := m.ListInstalled("alice"); len(got) != 1 || got[0] != "requests" {
		t.Errorf("expected requests tracked as installed, got %v", got)
	}
}

func TestInstallPropagatesNonZeroExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	exec := &fakeExecer{exit: 1, stderr: "no matching distribution"}
	m := New(cfg, exec)

	_, err := m.Install(context.Background(), "alice", "container1", "requests", model.LanguagePython)
	if err == nil {
		t.Fatal("expected non-zero exit code to surface as an error")
	}
}

func TestRegistryCredentialAppliedAsEnvNotArgv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	exec := &fakeExecer{stdout: "ok"}
	m := New(cfg, exec)

	if err := m.SetRegistryCredential(model.LanguagePython, "ci-bot", "s3cr3t-token"); err != nil {
		t.Fatalf("unexpected error setting credential: %v", err)
	}
	if !m.HasRegistryCredential(model.LanguagePython) {
		t.Fatal("expected credential to be recorded")
	}

	if _, err := m.Install(context.Background(), "alice", "container1", "requests", model.LanguagePython); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, arg := range exec.lastCmd {
		if containsToken(arg, "s3cr3t-token") {
			t.Fatalf("token must never appear in argv, got %v", exec.lastCmd)
		}
	}
	foundInEnv := false
	for _, v := range exec.lastEnv {
		if containsToken(v, "s3cr3t-token") {
			foundInEnv = true
		}
	}
	if !foundInEnv {
		t.Fatal("expected token to be passed via environment")
	}
}

func containsToken(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func TestClearUserPackages(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.mu.Lock()
	m.installed["alice"] = map[string]struct{}{"requests": {}}
	m.mu.Unlock()

	m.ClearUserPackages("alice")

	if got := m.ListInstalled("alice"); len(got) != 0 {
		t.Errorf("expected installed packages cleared, got %v", got)
	}
}

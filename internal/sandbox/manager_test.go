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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	skipIfNoDocker(t)

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("failed to create docker client: %v", err)
	}

	cfg := &config.AppConfig{DataDir: t.TempDir()}
	return NewManager(cfg, docker, nil)
}

func TestGetOrCreateSessionStartsContainer(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := m.GetOrCreateSession(ctx, "integration-user", model.LanguagePython, models.DefaultResourceLimits(), models.DefaultNetworkPolicy())
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer m.TerminateSession(context.Background(), "integration-user", model.LanguagePython, true)

	if session.ContainerID() == "" {
		t.Fatal("expected a container id after session creation")
	}
	if session.Status() != model.SessionRunning {
		t.Fatalf("expected Running status, got %s", session.Status())
	}

	again, err := m.GetOrCreateSession(ctx, "integration-user", model.LanguagePython, models.DefaultResourceLimits(), models.DefaultNetworkPolicy())
	if err != nil {
		t.Fatalf("unexpected error re-fetching session: %v", err)
	}
	if again.ID != session.ID {
		t.Fatal("expected the same container-backed session to be reused")
	}
}

func TestExecutorRunsPythonOneShot(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := m.GetOrCreateSession(ctx, "integration-exec", model.LanguagePython, models.DefaultResourceLimits(), models.DefaultNetworkPolicy())
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer m.TerminateSession(context.Background(), "integration-exec", model.LanguagePython, true)

	kernels := NewKernelManager(m, nil)
	executor := NewExecutor(m, kernels, nil)

	resp, err := executor.Execute(ctx, session, model.ExecuteRequest{
		Language:       model.LanguagePython,
		Code:           "print('hello from cage')",
		TimeoutSeconds: 10,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if resp.Status != model.StatusSuccess {
		t.Fatalf("expected success, got %s (stderr: %s)", resp.Status, resp.Stderr)
	}
	if resp.Stdout != "hello from cage\n" && resp.Stdout != "hello from cage" {
		t.Fatalf("unexpected stdout: %q", resp.Stdout)
	}
}

func TestExecutorPersistsNamespaceAcrossCalls(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	session, err := m.GetOrCreateSession(ctx, "integration-persist", model.LanguagePython, models.DefaultResourceLimits(), models.DefaultNetworkPolicy())
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	defer m.TerminateSession(context.Background(), "integration-persist", model.LanguagePython, true)

	kernels := NewKernelManager(m, nil)
	executor := NewExecutor(m, kernels, nil)

	if _, err := executor.Execute(ctx, session, model.ExecuteRequest{
		Language:       model.LanguagePython,
		Code:           "counter = 1",
		TimeoutSeconds: 10,
		Persistent:     true,
	}); err != nil {
		t.Fatalf("first persistent execution failed: %v", err)
	}

	resp, err := executor.Execute(ctx, session, model.ExecuteRequest{
		Language:       model.LanguagePython,
		Code:           "counter += 1\nprint(counter)",
		TimeoutSeconds: 10,
		Persistent:     true,
	})
	if err != nil {
		t.Fatalf("second persistent execution failed: %v", err)
	}
	if resp.Stdout != "2\n" && resp.Stdout != "2" {
		t.Fatalf("expected namespace to persist counter across calls, got stdout %q", resp.Stdout)
	}
}

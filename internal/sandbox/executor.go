package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cage/internal/model"
)

// Executor runs ExecuteRequests against a session's container, dispatching
// to a one-shot interpreter invocation or, for eligible Python requests, to
// the persistent-kernel path.
type Executor struct {
	manager *Manager
	kernels *KernelManager
	log     *zap.Logger
}

// NewExecutor builds an Executor bound to manager for container access and
// kernels for persistent-mode Python requests.
func NewExecutor(manager *Manager, kernels *KernelManager, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{manager: manager, kernels: kernels, log: log.Named("executor")}
}

// Execute runs one request against session, waiting at most
// req.TimeoutSeconds before classifying the attempt as timed out. Only one
// execution runs per session at a time; concurrent callers block on the
// session's execution lock.
func (e *Executor) Execute(ctx context.Context, session *Session, req model.ExecuteRequest) (model.ExecuteResponse, error) {
	executionID := uuid.New()
	start := time.Now()

	release := session.AcquireExecutionLock()
	defer release()

	session.Touch()
	session.IncrementExecutions()

	containerID := session.ContainerID()
	if containerID == "" {
		return model.ExecuteResponse{}, fmt.Errorf("session %s has no running container", session.ID)
	}

	if req.IsPersistentEligible() {
		return e.executePersistent(ctx, session, req, executionID, start)
	}

	codeFilename := fmt.Sprintf("exec_%s.%s", executionID.String(), req.Language.FileExtension())
	codePath := filepath.Join(session.WorkspacePath, codeFilename)
	containerCodePath := "/mnt/data/" + codeFilename

	if err := os.WriteFile(codePath, []byte(req.Code), 0o644); err != nil {
		return model.ExecuteResponse{}, fmt.Errorf("write code file: %w", err)
	}
	defer os.Remove(codePath)

	args := buildExecArgs(req.Language, containerCodePath, req.Env)

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, runErr := e.runExec(execCtx, containerID, args, req.Env)
	duration := time.Since(start)

	_ = e.killProcesses(context.Background(), containerID)

	var resp model.ExecuteResponse
	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		session.IncrementErrors()
		e.log.Warn("execution timed out", zap.Stringer("execution_id", executionID))
		resp = model.ExecuteResponse{
			ExecutionID: executionID,
			Status:      model.StatusTimeout,
			Stderr:      fmt.Sprintf("execution timed out after %d seconds", req.TimeoutSeconds),
			DurationMS:  duration.Milliseconds(),
			FilesCreated: e.detectNewFiles(session),
		}
	case runErr != nil:
		session.IncrementErrors()
		resp = model.ExecuteResponse{
			ExecutionID: executionID,
			Status:      model.StatusError,
			Stderr:      fmt.Sprintf("execution error: %v", runErr),
			DurationMS:  duration.Milliseconds(),
		}
	default:
		status := model.StatusSuccess
		if exitCode == 137 {
			session.IncrementErrors()
			e.log.Warn("execution killed by oom", zap.Stringer("execution_id", executionID), zap.String("user_id", session.UserID))
			status = model.StatusKilled
		} else if exitCode != 0 {
			session.IncrementErrors()
			status = model.StatusError
		}
		code := exitCode
		resp = model.ExecuteResponse{
			ExecutionID:  executionID,
			Status:       status,
			Stdout:       stdout,
			Stderr:       stderr,
			ExitCode:     &code,
			DurationMS:   duration.Milliseconds(),
			FilesCreated: e.detectNewFiles(session),
		}
	}

	session.AddExecution(model.ExecutionSummary{
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Language:    req.Language,
		CodeHash:    hashCode(req.Code),
		Status:      resp.Status,
		DurationMS:  resp.DurationMS,
		ExitCode:    resp.ExitCode,
	})

	e.log.Info("execution completed",
		zap.Stringer("execution_id", executionID),
		zap.String("status", string(resp.Status)),
		zap.Int64("duration_ms", resp.DurationMS))

	return resp, nil
}

// buildExecArgs returns the interpreter invocation for language, run
// against the code already written to codePath inside the container.
func buildExecArgs(language model.Language, codePath string, env map[string]string) []string {
	switch language {
	case model.LanguagePython:
		return []string{"python", "-u", codePath}
	case model.LanguageJavascript:
		return []string{"node", codePath}
	case model.LanguageBash:
		return []string{"bash", codePath}
	case model.LanguageR:
		return []string{"Rscript", "--vanilla", codePath}
	case model.LanguageJulia:
		return []string{"julia", codePath}
	case model.LanguageTypescript:
		return []string{"deno", "run", "--allow-read=/mnt/data", "--allow-write=/mnt/data", codePath}
	case model.LanguageRuby:
		return []string{"ruby", codePath}
	case model.LanguageGo:
		return []string{"bash", "-c", fmt.Sprintf(
			"cd /mnt/data && GOTMPDIR=/mnt/data GOCACHE=/mnt/data/.gocache go run %s", filepath.Base(codePath))}
	case model.LanguageWasm:
		return []string{"wasmtime", "run", "--dir=/mnt/data", codePath}
	default:
		return []string{"cat", codePath}
	}
}

// RunCommand runs an arbitrary command inside containerID as the sandbox
// user, outside the request/response execution path. It is used by
// components that need container access without going through
// Execute — the package installer, most notably — so every in-container
// command funnels through the same Docker-SDK exec path instead of each
// caller shelling out on its own.
func (e *Executor) RunCommand(ctx context.Context, containerID string, args []string, env map[string]string) (stdout, stderr string, exitCode int, err error) {
	return e.runExec(ctx, containerID, args, env)
}

// AttachTTY starts an interactive shell inside containerID with a
// container-side pseudo-terminal allocated by the Docker exec API, and
// returns the hijacked stream for a caller (the WebSocket attach route) to
// proxy bytes over in both directions.
func (e *Executor) AttachTTY(ctx context.Context, containerID string, cols, rows uint) (types.HijackedResponse, string, error) {
	created, err := e.manager.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         sandboxUser,
		WorkingDir:   "/mnt/data",
		Cmd:          []string{"bash"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return types.HijackedResponse{}, "", fmt.Errorf("exec create: %w", err)
	}

	attached, err := e.manager.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return types.HijackedResponse{}, "", fmt.Errorf("exec attach: %w", err)
	}

	if err := e.ResizeTTY(ctx, created.ID, cols, rows); err != nil {
		e.log.Warn("initial tty resize failed", zap.String("exec_id", created.ID), zap.Error(err))
	}

	return attached, created.ID, nil
}

// ResizeTTY resizes an attached exec session's pseudo-terminal.
func (e *Executor) ResizeTTY(ctx context.Context, execID string, cols, rows uint) error {
	return e.manager.docker.ContainerExecResize(ctx, execID, container.ResizeOptions{Width: cols, Height: rows})
}

// runExec runs args inside containerID as the sandbox user and returns its
// captured stdout, stderr, and exit code.
func (e *Executor) runExec(ctx context.Context, containerID string, args []string, env map[string]string) (string, string, int, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	created, err := e.manager.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         sandboxUser,
		WorkingDir:   "/mnt/data",
		Env:          envList,
		Cmd:          args,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("exec create: %w", err)
	}

	attached, err := e.manager.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("exec attach: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attached.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil {
			return stdout.String(), stderr.String(), -1, copyErr
		}
	}

	inspect, err := e.manager.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("exec inspect: %w", err)
	}

	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

// killProcesses terminates any remaining sandbox-user processes left
// running in the container after an execution completes or times out.
func (e *Executor) killProcesses(ctx context.Context, containerID string) error {
	_, _, _, err := e.runExec(ctx, containerID, []string{"pkill", "-u", sandboxUser}, nil)
	return err
}

// detectNewFiles lists workspace entries other than the execution script
// itself, the same convention the one-shot output uses to report created
// artifacts.
func (e *Executor) detectNewFiles(session *Session) []string {
	entries, err := os.ReadDir(session.WorkspacePath)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "exec_") || strings.HasPrefix(name, ".") {
			continue
		}
		files = append(files, name)
	}
	return files
}

// executePersistent runs req.Code through the session's persistent Python
// namespace instead of a fresh interpreter invocation.
func (e *Executor) executePersistent(ctx context.Context, session *Session, req model.ExecuteRequest, executionID uuid.UUID, start time.Time) (model.ExecuteResponse, error) {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, err := e.kernels.ExecuteInKernel(execCtx, e, session, req.Code)
	duration := time.Since(start)

	var resp model.ExecuteResponse
	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		session.IncrementErrors()
		resp = model.ExecuteResponse{
			ExecutionID: executionID,
			Status:      model.StatusTimeout,
			Stderr:      fmt.Sprintf("execution timed out after %d seconds", req.TimeoutSeconds),
			DurationMS:  duration.Milliseconds(),
		}
	case err != nil:
		session.IncrementErrors()
		resp = model.ExecuteResponse{
			ExecutionID: executionID,
			Status:      model.StatusError,
			Stderr:      err.Error(),
			DurationMS:  duration.Milliseconds(),
		}
	default:
		status := model.StatusSuccess
		if stderr != "" {
			session.IncrementErrors()
			status = model.StatusError
		}
		zero := 0
		resp = model.ExecuteResponse{
			ExecutionID:  executionID,
			Status:       status,
			Stdout:       stdout,
			Stderr:       stderr,
			ExitCode:     &zero,
			DurationMS:   duration.Milliseconds(),
			FilesCreated: e.detectNewFiles(session),
		}
	}

	session.AddExecution(model.ExecutionSummary{
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Language:    req.Language,
		CodeHash:    hashCode(req.Code),
		Status:      resp.Status,
		DurationMS:  resp.DurationMS,
		ExitCode:    resp.ExitCode,
	})

	e.log.Info("persistent execution completed",
		zap.Stringer("execution_id", executionID),
		zap.String("status", string(resp.Status)),
		zap.Int64("duration_ms", resp.DurationMS))

	return resp, nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

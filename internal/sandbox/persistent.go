package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// persistentNamespaceTemplate wraps a user's code so it runs against, and
// then updates, a pickled namespace file kept in the session's workspace.
// Module objects and the sys/pickle/os bindings the template itself uses
// are excluded from the saved namespace, same as anything whose name
// starts with "_". Values that cannot be pickled (open file handles, locks,
// ...) are silently dropped rather than failing the whole save, which the
// upstream behavior this is adapted from does not guard against.
const persistentNamespaceTemplate = `import pickle, os, sys, base64, types

_ns_path = %q
_ns = {}
if os.path.exists(_ns_path):
    with open(_ns_path, "rb") as _f:
        _ns = pickle.load(_f)
globals().update(_ns)

_code = base64.b64decode(%q).decode("utf-8")
try:
    exec(_code, globals())
except Exception:
    import traceback
    traceback.print_exc(file=sys.stderr)
    raise
finally:
    _save = {}
    for _k, _v in list(globals().items()):
        if _k.startswith("_"):
            continue
        if isinstance(_v, types.ModuleType):
            continue
        if _k in ("sys", "pickle", "os", "base64", "types"):
            continue
        try:
            pickle.dumps(_v)
        except Exception:
            continue
        _save[_k] = _v
    with open(_ns_path, "wb") as _f:
        pickle.dump(_save, _f)
`

// kernel tracks the namespace file backing one user's persistent Python
// interpreter session.
type kernel struct {
	id            uuid.UUID
	namespacePath string
}

// KernelManager tracks persistent-mode Python namespaces per user. Unlike
// the Jupyter/ipykernel scaffolding this is adapted from, no long-running
// kernel process is started: "persistence" is implemented entirely by
// round-tripping a pickled namespace file through each execution, which is
// the only mechanism upstream code actually exercised.
type KernelManager struct {
	manager *Manager
	log     *zap.Logger

	mu      sync.RWMutex
	kernels map[string]*kernel // keyed by user_id
}

// NewKernelManager builds a KernelManager that executes through manager's
// containers.
func NewKernelManager(manager *Manager, log *zap.Logger) *KernelManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &KernelManager{manager: manager, log: log.Named("kernel"), kernels: make(map[string]*kernel)}
}

// ensureKernel returns the namespace-file kernel for userID, creating one
// on first use.
func (k *KernelManager) ensureKernel(userID string) *kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.kernels[userID]; ok {
		return existing
	}
	id := uuid.New()
	kn := &kernel{id: id, namespacePath: fmt.Sprintf("/mnt/data/.namespace_%s.pkl", id.String())}
	k.kernels[userID] = kn
	return kn
}

// StopKernel discards userID's namespace state. The next persistent
// execution starts from an empty namespace.
func (k *KernelManager) StopKernel(userID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.kernels, userID)
}

// ExecuteInKernel runs code against userID's persistent namespace inside
// session's container, returning captured stdout/stderr.
func (k *KernelManager) ExecuteInKernel(ctx context.Context, executor *Executor, session *Session, code string) (string, string, error) {
	kn := k.ensureKernel(session.UserID)

	encoded := base64.StdEncoding.EncodeToString([]byte(code))
	script := fmt.Sprintf(persistentNamespaceTemplate, kn.namespacePath, encoded)

	scriptName := fmt.Sprintf("kernel_%s.py", kn.id.String())
	scriptPath := filepath.Join(session.WorkspacePath, scriptName)
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return "", "", fmt.Errorf("write kernel script: %w", err)
	}
	defer os.Remove(scriptPath)

	containerID := session.ContainerID()
	if containerID == "" {
		return "", "", fmt.Errorf("session %s has no running container", session.ID)
	}

	stdout, stderr, exitCode, err := executor.runExec(ctx, containerID, []string{"python", "-u", "/mnt/data/" + scriptName}, nil)
	if err != nil {
		return stdout, stderr, err
	}
	if exitCode != 0 && stderr == "" {
		stderr = fmt.Sprintf("kernel execution exited with status %d", exitCode)
	}
	return stdout, stderr, nil
}

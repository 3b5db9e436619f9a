package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"cage/internal/config"
	"cage/internal/model"
	"cage/internal/packages"
	"cage/pkg/models"
)

// sandboxUser is the unprivileged OS user every session container runs as.
const sandboxUser = "sandbox"

// Manager owns the set of live sessions and the Docker containers backing
// them. One container is created per (user, language) pair and kept
// running (sleep infinity) across many executions; it is torn down only on
// explicit termination or idle reaping.
type Manager struct {
	cfg    *config.AppConfig
	docker *client.Client
	log    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	packageCache *packages.CacheManager
}

// SetPackageCache attaches a package cache manager; new containers will
// mount its per-language cache directories and pick up its environment
// variables. Passing nil disables cache mounts (the default).
func (m *Manager) SetPackageCache(pc *packages.CacheManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packageCache = pc
}

// NewManager builds a Manager around an already-connected Docker client.
func NewManager(cfg *config.AppConfig, docker *client.Client, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		docker:   docker,
		log:      log.Named("sandbox"),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreateSession returns the existing container-backed session for
// (userID, language), starting one if none exists yet.
func (m *Manager) GetOrCreateSession(ctx context.Context, userID string, language model.Language, limits models.ResourceLimits, netPolicy models.NetworkPolicy) (*Session, error) {
	key := sessionKey(userID, language)

	m.mu.RLock()
	if s, ok := m.sessions[key]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	workspace := m.cfg.WorkspacePath(userID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	session := NewSession(userID, language, workspace, limits, netPolicy)
	if err := m.startContainer(ctx, session); err != nil {
		session.SetStatus(model.SessionError)
		return nil, fmt.Errorf("start container: %w", err)
	}
	session.SetStatus(model.SessionRunning)

	m.sessions[key] = session
	m.log.Info("session started",
		zap.String("user_id", userID),
		zap.String("language", string(language)),
		zap.String("container_id", session.ContainerID()))
	return session, nil
}

// GetSession returns an existing session without creating one.
func (m *Manager) GetSession(userID string, language model.Language) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey(userID, language)]
	return s, ok
}

// startContainer creates and starts the long-lived container a session
// executes code in, mirroring the image/mount/security profile of a
// one-shot sandbox but with a sleep-forever entrypoint so it survives
// across many executions.
func (m *Manager) startContainer(ctx context.Context, session *Session) error {
	imageName := session.Language.ContainerImage()
	if m.cfg.SandboxImage != "" && session.Language == model.LanguagePython {
		imageName = m.cfg.SandboxImage
	}
	if err := m.ensureImage(ctx, imageName); err != nil {
		return err
	}

	// The Mounts API has no direct equivalent of the CLI's -v noexec/nosuid
	// volume flags; those are enforced instead by read-only root plus
	// cap-drop, with workspace exec bits gated per language at the
	// container's own /mnt/data tree by the image entrypoint.
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: session.WorkspacePath,
			Target: "/mnt/data",
			BindOptions: &mount.BindOptions{
				Propagation: mount.PropagationRPrivate,
			},
		},
	}

	m.mu.RLock()
	cache := m.packageCache
	m.mu.RUnlock()

	var envList []string
	for _, cm := range cache.MountsFor(session.Language) {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: cm.HostPath,
			Target: cm.ContainerPath,
		})
		for k, v := range cm.Env {
			envList = append(envList, k+"="+v)
		}
	}

	memoryBytes := int64(session.ResourceLimits.MaxMemoryMB) * 1024 * 1024
	nanoCPUs := int64(session.ResourceLimits.MaxCPUs * 1e9)
	pidsLimit := int64(session.ResourceLimits.MaxPIDs)

	networkMode := container.NetworkMode("none")
	if session.NetworkPolicy.Enabled {
		netName, err := m.ensureUserNetwork(ctx, session.UserID)
		if err != nil {
			return fmt.Errorf("ensure user network: %w", err)
		}
		networkMode = container.NetworkMode(netName)
	}

	hostCfg := &container.HostConfig{
		AutoRemove:     false,
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges:true"},
		CapDrop:        []string{"ALL"},
		Mounts:         mounts,
		NetworkMode:    networkMode,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=100m"},
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}
	if path := m.cfg.Security.SeccompProfile; path != "" {
		profile, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read seccomp profile: %w", err)
		}
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "seccomp="+string(profile))
	}

	containerCfg := &container.Config{
		Image:      imageName,
		User:       sandboxUser,
		WorkingDir: "/mnt/data",
		Cmd:        []string{"sleep", "infinity"},
		Tty:        false,
		Env:        envList,
	}

	name := fmt.Sprintf("cage_%s_%s", sanitizeName(session.UserID), session.ID.String()[:8])
	created, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}

	session.SetContainerID(created.ID)
	return nil
}

func (m *Manager) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := m.docker.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	rc, pullErr := m.docker.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w (inspect err: %v)", imageName, pullErr, err)
	}
	defer rc.Close()
	var discard [4096]byte
	for {
		if _, err := rc.Read(discard[:]); err != nil {
			break
		}
	}
	return nil
}

// ensureUserNetwork returns the name of a bridge network dedicated to
// userID, creating it on first use so a user's sessions can reach the
// network without sharing a namespace with other users' containers.
func (m *Manager) ensureUserNetwork(ctx context.Context, userID string) (string, error) {
	name := "cage_net_" + sanitizeName(userID)
	if _, err := m.docker.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return name, nil
	}
	_, err := m.docker.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// TerminateSession stops and removes the backing container and, if
// purgeWorkspace is set, deletes the session's workspace directory.
// Terminating a session that does not exist is a no-op and returns nil.
func (m *Manager) TerminateSession(ctx context.Context, userID string, language model.Language, purgeWorkspace bool) error {
	key := sessionKey(userID, language)

	m.mu.Lock()
	session, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if cid := session.ContainerID(); cid != "" {
		timeout := 5
		_ = m.docker.ContainerStop(ctx, cid, container.StopOptions{Timeout: &timeout})
		if err := m.docker.ContainerRemove(ctx, cid, container.RemoveOptions{Force: true}); err != nil {
			m.log.Warn("container remove failed", zap.String("container_id", cid), zap.Error(err))
		}
	}

	session.SetStatus(model.SessionStopped)

	if purgeWorkspace {
		_ = os.RemoveAll(session.WorkspacePath)
	}

	m.log.Info("session terminated", zap.String("user_id", userID), zap.String("language", string(language)))
	return nil
}

// ListAllSessions returns an administrative summary of every live session.
func (m *Manager) ListAllSessions() []model.AdminSessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AdminSessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.AdminSummary())
	}
	return out
}

// ActiveSessionCount reports how many sessions are currently tracked.
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// UpdateAllStats polls Docker for each session's current resource usage and
// stores the sample on the session.
func (m *Manager) UpdateAllStats(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		cid := s.ContainerID()
		if cid == "" {
			continue
		}
		usage, err := m.containerStats(ctx, cid)
		if err != nil {
			m.log.Debug("stats poll failed", zap.String("container_id", cid), zap.Error(err))
			continue
		}
		s.SetUsage(usage)
	}
}

// ReapIdleSessions terminates (without purging workspace data) every
// session whose last activity is older than maxIdle, freeing container
// resources held by users who have stopped submitting work. cmd/main.go
// calls it from its own periodic loop; no periodic stats-refresh or
// rate-limit-bucket cleanup loop is started, so UpdateAllStats and
// ratelimit's CleanupOldBuckets run only when something calls them.
func (m *Manager) ReapIdleSessions(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)

	type idleTarget struct {
		userID   string
		language model.Language
	}

	m.mu.RLock()
	var idle []idleTarget
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, idleTarget{s.UserID, s.Language})
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, target := range idle {
		if err := m.TerminateSession(ctx, target.userID, target.language, false); err != nil {
			m.log.Warn("idle reap failed",
				zap.String("user_id", target.userID),
				zap.String("language", string(target.language)),
				zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		m.log.Info("idle sessions reaped", zap.Int("count", reaped))
	}
	return reaped
}

// dockerStatsJSON is the subset of Docker's container-stats payload this
// package reads; the full structure carries many fields we never use.
type dockerStatsJSON struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
	PidsStats struct {
		Current uint32 `json:"current"`
	} `json:"pids_stats"`
}

func (m *Manager) containerStats(ctx context.Context, containerID string) (model.ResourceUsage, error) {
	resp, err := m.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return model.ResourceUsage{}, err
	}
	defer resp.Body.Close()

	var stats dockerStatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return model.ResourceUsage{}, err
	}

	var cpuPercent float64
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		cpuPercent = (cpuDelta / systemDelta) * cpus * 100.0
	}

	return model.ResourceUsage{
		CPUPercent: cpuPercent,
		MemoryMB:   float64(stats.MemoryStats.Usage) / (1024 * 1024),
		PIDs:       stats.PidsStats.Current,
	}, nil
}

// sanitizeName strips characters that are not legal in a Docker resource
// name, keeping container/network names derived from user input safe.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

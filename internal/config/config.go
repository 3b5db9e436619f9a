// Package config loads and resolves the orchestrator's runtime
// configuration: bind address, data directory, per-user resource overrides,
// container hardening toggles, the package installer's mirror URLs, and the
// optional ambient services (JWT auth, database, Redis, S3 replay
// archival) a multi-replica deployment wires in.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"cage/pkg/models"
)

// SecurityConfig holds container hardening settings independent of
// per-session resource limits. A non-empty SeccompProfile names a profile
// file applied to every session container. ReadOnlyRootFS, DropAllCaps and
// NoNewPrivileges are read from the environment, but session containers
// always get a read-only root, a full capability drop and no-new-privileges
// whatever their values.
type SecurityConfig struct {
	ReadOnlyRootFS   bool
	DropAllCaps      bool
	NoNewPrivileges  bool
	SeccompProfile   string // empty disables the extra --security-opt seccomp=<path>
}

// PackagesConfig controls the dynamic package installer.
type PackagesConfig struct {
	Enabled                bool
	PyPIMirror             string
	NPMRegistry            string
	CRANMirror             string
	MaxPackagesPerSession  int
	CacheEnabled           bool
	CacheDir               string
}

// AuthConfig configures the JWT verifier sitting in front of the HTTP API.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// StorageConfig names the external systems an optional multi-replica
// deployment wires in: a Postgres/SQLite DSN for the user+audit store, a
// Redis address for cross-replica session ownership, and an S3 bucket for
// replay archival. All are optional; a single-node deployment leaves them
// empty and runs on the in-process/file-based defaults.
type StorageConfig struct {
	DatabaseURL        string
	RedisAddr          string
	RedisURL           string
	S3Bucket           string
	S3Prefix           string
	BootstrapUsersFile string
}

// AppConfig is the fully-resolved configuration surface described in the
// external-interfaces contract: every field here is either read from the
// environment (via godotenv-loaded .env plus os.Getenv) or defaulted.
type AppConfig struct {
	Host string
	Port int

	DataDir      string
	SandboxImage string

	DefaultLimits  models.ResourceLimits
	DefaultNetwork models.NetworkPolicy

	Security SecurityConfig
	Packages PackagesConfig
	Auth     AuthConfig
	Storage  StorageConfig

	StopContainersOnShutdown bool

	RequestsPerMinute float64

	mu          sync.RWMutex
	userLimits  map[string]models.ResourceLimits
	userNetwork map[string]models.NetworkPolicy
	userGPU     map[string]bool
}

// Load builds an AppConfig from the environment. It first attempts to load
// a .env file (ignoring a missing file, matching the teacher's bootstrap
// pattern of tolerating a missing dotenv in production) and then reads
// individual keys with sane defaults.
func Load() *AppConfig {
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")

	cfg := &AppConfig{
		Host:         envOr("CAGE_HOST", "0.0.0.0"),
		Port:         envInt("CAGE_PORT", 8080),
		DataDir:      envOr("CAGE_DATA_DIR", "./data"),
		SandboxImage: envOr("CAGE_SANDBOX_IMAGE", "cage/sandbox-python:latest"),

		DefaultLimits:  defaultLimitsFromEnv(),
		DefaultNetwork: models.DefaultNetworkPolicy(),

		Security: SecurityConfig{
			ReadOnlyRootFS:  envBool("CAGE_SECURITY_READONLY_ROOTFS", true),
			DropAllCaps:     envBool("CAGE_SECURITY_DROP_ALL_CAPS", true),
			NoNewPrivileges: envBool("CAGE_SECURITY_NO_NEW_PRIVILEGES", true),
			SeccompProfile:  os.Getenv("CAGE_SECCOMP_PROFILE"),
		},

		Packages: PackagesConfig{
			Enabled:               envBool("CAGE_PACKAGES_ENABLED", false),
			PyPIMirror:             os.Getenv("CAGE_PYPI_MIRROR"),
			NPMRegistry:            os.Getenv("CAGE_NPM_REGISTRY"),
			CRANMirror:             os.Getenv("CAGE_CRAN_MIRROR"),
			MaxPackagesPerSession:  envInt("CAGE_MAX_PACKAGES_PER_SESSION", 50),
			CacheEnabled:           envBool("CAGE_PACKAGE_CACHE_ENABLED", false),
			CacheDir:               os.Getenv("CAGE_PACKAGE_CACHE_DIR"),
		},

		Auth: AuthConfig{
			JWTSecret: os.Getenv("CAGE_JWT_SECRET"),
			Issuer:    envOr("CAGE_JWT_ISSUER", "cage"),
		},

		Storage: StorageConfig{
			DatabaseURL:        os.Getenv("CAGE_DATABASE_URL"),
			RedisAddr:          os.Getenv("CAGE_REDIS_ADDR"),
			RedisURL:           os.Getenv("CAGE_REDIS_URL"),
			S3Bucket:           os.Getenv("CAGE_REPLAY_S3_BUCKET"),
			S3Prefix:           os.Getenv("CAGE_REPLAY_S3_PREFIX"),
			BootstrapUsersFile: os.Getenv("CAGE_BOOTSTRAP_USERS_FILE"),
		},

		StopContainersOnShutdown: envBool("CAGE_STOP_CONTAINERS_ON_SHUTDOWN", false),
		RequestsPerMinute:        envFloat("CAGE_REQUESTS_PER_MINUTE", 60.0),

		userLimits:  make(map[string]models.ResourceLimits),
		userNetwork: make(map[string]models.NetworkPolicy),
		userGPU:     make(map[string]bool),
	}

	return cfg
}

func defaultLimitsFromEnv() models.ResourceLimits {
	d := models.DefaultResourceLimits()
	d.MaxMemoryMB = envInt("CAGE_DEFAULT_MAX_MEMORY_MB", d.MaxMemoryMB)
	d.MaxCPUs = envFloat("CAGE_DEFAULT_MAX_CPUS", d.MaxCPUs)
	d.MaxPIDs = envInt("CAGE_DEFAULT_MAX_PIDS", d.MaxPIDs)
	d.MaxExecutionSeconds = envInt("CAGE_DEFAULT_MAX_EXECUTION_SECONDS", d.MaxExecutionSeconds)
	d.MaxDiskMB = envInt("CAGE_DEFAULT_MAX_DISK_MB", d.MaxDiskMB)
	return d
}

// SetUserLimits installs a per-user override, used by the admin surface
// (out of scope here) or test setup.
func (c *AppConfig) SetUserLimits(userID string, limits models.ResourceLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userLimits[userID] = limits
}

// SetUserNetwork installs a per-user network policy override.
func (c *AppConfig) SetUserNetwork(userID string, policy models.NetworkPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNetwork[userID] = policy
}

// SetUserGPU marks a user as GPU-enabled.
func (c *AppConfig) SetUserGPU(userID string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userGPU[userID] = enabled
}

// GetUserLimits resolves the effective resource limits for a user: the
// override if one was set, else the configured default.
func (c *AppConfig) GetUserLimits(userID string) models.ResourceLimits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l, ok := c.userLimits[userID]; ok {
		return l
	}
	return c.DefaultLimits
}

// GetUserNetwork resolves the effective network policy for a user.
func (c *AppConfig) GetUserNetwork(userID string) models.NetworkPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.userNetwork[userID]; ok {
		return n
	}
	return c.DefaultNetwork
}

// GPUEnabled reports whether a user is allowed GPU device passthrough.
func (c *AppConfig) GPUEnabled(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userGPU[userID]
}

// WorkspacePath returns the host directory bind-mounted into a user's
// container at /mnt/data.
func (c *AppConfig) WorkspacePath(userID string) string {
	return filepath.Join(c.DataDir, "user_"+userID)
}

// ReplaysDir returns the directory the replay store persists records in.
func (c *AppConfig) ReplaysDir() string {
	return filepath.Join(c.DataDir, "replays")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

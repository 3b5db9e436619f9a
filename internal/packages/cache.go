package packages

import (
	"os"
	"path/filepath"
	"strings"

	"cage/internal/model"
)

// CacheMount describes a host-side cache directory that should be bind
// mounted into a session's container for one language's package manager,
// keeping installed packages warm across container restarts instead of
// re-downloading them on every session.
type CacheMount struct {
	HostPath      string
	ContainerPath string
	Env           map[string]string
}

// CacheManager manages per-language package cache directories shared across
// all sessions on this host. Disabled by default; the orchestrator only
// wires it in when configured with a cache directory.
type CacheManager struct {
	enabled bool
	baseDir string
}

// NewCacheManager builds a CacheManager rooted at baseDir. If baseDir is
// empty a directory under the OS temp root is used.
func NewCacheManager(baseDir string, enabled bool) *CacheManager {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "cage-pkg-cache")
	}
	c := &CacheManager{enabled: enabled, baseDir: baseDir}
	if c.enabled {
		_ = os.MkdirAll(c.baseDir, 0o755)
	}
	return c
}

// Enabled reports whether cache mounts should be attached to new
// containers. Safe to call on a nil *CacheManager.
func (c *CacheManager) Enabled() bool {
	return c != nil && c.enabled
}

// MountsFor returns the cache mounts relevant to a language's package
// manager, or nil if the language has no installer this manager supports.
func (c *CacheManager) MountsFor(lang model.Language) []CacheMount {
	if !c.Enabled() {
		return nil
	}
	switch lang {
	case model.LanguagePython:
		return []CacheMount{c.mount("pip", "/cache/pip", map[string]string{"PIP_CACHE_DIR": "/cache/pip"})}
	case model.LanguageJavascript, model.LanguageTypescript:
		return []CacheMount{c.mount("npm", "/cache/npm", map[string]string{"NPM_CONFIG_CACHE": "/cache/npm"})}
	case model.LanguageR:
		return []CacheMount{c.mount("r-lib", "/cache/r-lib", map[string]string{"R_LIBS_USER": "/cache/r-lib"})}
	default:
		return nil
	}
}

func (c *CacheManager) mount(name, containerPath string, env map[string]string) CacheMount {
	hostPath := filepath.Join(c.baseDir, sanitizeCacheName(name))
	_ = os.MkdirAll(hostPath, 0o755)
	return CacheMount{HostPath: hostPath, ContainerPath: containerPath, Env: env}
}

func sanitizeCacheName(in string) string {
	in = strings.ToLower(strings.TrimSpace(in))
	if in == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

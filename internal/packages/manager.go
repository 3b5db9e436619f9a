// Package packages implements the dynamic package installer: a per-language
// allowlist plus an in-container install command, gated by configuration and
// a per-user session cap.
package packages

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"cage/internal/logging"
	"cage/internal/model"
)

// Config controls the dynamic package installer.
type Config struct {
	Enabled               bool
	PyPIMirror            string
	NPMRegistry           string
	CRANMirror            string
	MaxPackagesPerSession int
}

// DefaultConfig mirrors the installer's disabled-by-default posture.
func DefaultConfig() Config {
	return Config{
		Enabled:               false,
		MaxPackagesPerSession: 50,
	}
}

var defaultPythonAllowlist = []string{
	"requests", "beautifulsoup4", "lxml", "pillow", "openpyxl",
	"python-dateutil", "pytz", "tabulate", "tqdm", "jinja2",
	"pyyaml", "toml", "python-dotenv", "regex", "chardet",
	"jsonschema", "orjson",
}

var defaultNPMAllowlist = []string{
	"lodash", "moment", "axios", "express", "chalk",
	"commander", "inquirer", "ora", "cli-table3",
}

var defaultRAllowlist = []string{
	"jsonlite", "httr", "xml2", "lubridate", "stringr",
	"readxl", "writexl", "glue",
}

// Execer runs a command inside a session's container. sandbox.Executor
// satisfies this directly via RunCommand.
type Execer interface {
	RunCommand(ctx context.Context, containerID string, args []string, env map[string]string) (stdout, stderr string, exitCode int, err error)
}

// registryCredential is a private-mirror credential for one language. The
// token is kept as a bcrypt hash and, in memory only, as plaintext for the
// Manager's lifetime; the plaintext is passed to the in-container installer
// via an environment variable, never a CLI argument, so it cannot leak
// through the container's process list.
type registryCredential struct {
	username   string
	tokenHash  []byte
	tokenPlain string
}

// Manager tracks per-language allowlists and per-user installed-package
// sets, and invokes the container runtime to perform installs.
type Manager struct {
	config Config
	execer Execer

	mu          sync.RWMutex
	python      map[string]struct{}
	npm         map[string]struct{}
	r           map[string]struct{}
	installed   map[string]map[string]struct{} // user_id -> packages
	credentials map[model.Language]registryCredential
}

// New builds a Manager with the seed allowlists populated, grounded on the
// orchestrator's curated package lists. execer is used to run the
// in-container install command; it may be nil until first use in tests
// that only exercise allowlist logic.
func New(config Config, execer Execer) *Manager {
	m := &Manager{
		config:      config,
		execer:      execer,
		python:      toSet(defaultPythonAllowlist),
		npm:         toSet(defaultNPMAllowlist),
		r:           toSet(defaultRAllowlist),
		installed:   make(map[string]map[string]struct{}),
		credentials: make(map[model.Language]registryCredential),
	}

	logging.L().Info("package allowlists initialized",
		zap.Int("python_packages", len(m.python)),
		zap.Int("npm_packages", len(m.npm)),
		zap.Int("r_packages", len(m.r)),
	)

	return m
}

func toSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (m *Manager) allowlistFor(lang model.Language) map[string]struct{} {
	switch lang {
	case model.LanguagePython:
		return m.python
	case model.LanguageJavascript:
		return m.npm
	case model.LanguageR:
		return m.r
	default:
		return nil
	}
}

// IsAllowed reports whether a package may be installed for a language.
func (m *Manager) IsAllowed(pkg string, lang model.Language) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.allowlistFor(lang)
	if set == nil {
		return false
	}
	_, ok := set[pkg]
	return ok
}

// AddToAllowlist admits a new package for a language (admin operation).
func (m *Manager) AddToAllowlist(pkg string, lang model.Language) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.allowlistFor(lang)
	if set == nil {
		return fmt.Errorf("language not supported for package installation: %s", lang)
	}
	set[pkg] = struct{}{}

	logging.L().Info("added package to allowlist", zap.String("package", pkg), zap.String("language", string(lang)))
	return nil
}

// Allowlist returns the current allowlist for a language.
func (m *Manager) Allowlist(lang model.Language) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.allowlistFor(lang)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// SetRegistryCredential configures an authenticated private mirror
// credential for lang. The token is hashed with bcrypt for storage; the
// plaintext is kept only in memory, for use by installCommand, and is
// never written to disk or logged.
func (m *Manager) SetRegistryCredential(lang model.Language, username, token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash registry token: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[lang] = registryCredential{username: username, tokenHash: hash, tokenPlain: token}
	logging.L().Info("registry credential configured", zap.String("language", string(lang)), zap.String("username", username))
	return nil
}

// HasRegistryCredential reports whether a private-mirror credential is
// configured for lang, verifying the stored hash matches the plaintext
// still held in memory (guards against a credential surviving a failed
// rotation in a half-applied state).
func (m *Manager) HasRegistryCredential(lang model.Language) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[lang]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(cred.tokenHash, []byte(cred.tokenPlain)) == nil
}

// installCommand builds the in-container shell command that installs pkg,
// and the environment variables (credentials, never CLI args) it needs.
func (m *Manager) installCommand(pkg string, lang model.Language) (string, map[string]string, error) {
	m.mu.RLock()
	cred, hasCred := m.credentials[lang]
	m.mu.RUnlock()

	env := map[string]string{}

	switch lang {
	case model.LanguagePython:
		mirror := m.config.PyPIMirror
		if mirror == "" {
			mirror = "https://pypi.org/simple"
		}
		host := mirrorHost(mirror)
		if hasCred {
			env["PIP_INDEX_URL"] = withBasicAuth(mirror, cred.username, cred.tokenPlain)
			return fmt.Sprintf("pip install --no-cache-dir --trusted-host %s %s", host, pkg), env, nil
		}
		return fmt.Sprintf("pip install --no-cache-dir --index-url %s --trusted-host %s %s", mirror, host, pkg), env, nil

	case model.LanguageJavascript:
		registry := m.config.NPMRegistry
		if registry == "" {
			registry = "https://registry.npmjs.org"
		}
		if hasCred {
			env["NPM_CONFIG_//"+mirrorHost(registry)+"/:_authToken"] = cred.tokenPlain
		}
		return fmt.Sprintf("npm install --registry %s %s", registry, pkg), env, nil

	case model.LanguageR:
		mirror := m.config.CRANMirror
		if mirror == "" {
			mirror = "https://cran.rstudio.com"
		}
		return fmt.Sprintf("R -e \"install.packages('%s', repos='%s')\"", pkg, mirror), env, nil

	default:
		return "", nil, fmt.Errorf("package installation not supported for %s", lang)
	}
}

func mirrorHost(mirror string) string {
	host := mirror
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func withBasicAuth(mirror, username, token string) string {
	if idx := strings.Index(mirror, "://"); idx != -1 {
		return mirror[:idx+3] + username + ":" + token + "@" + mirror[idx+3:]
	}
	return mirror
}

// Install installs pkg inside containerID for userID, subject to the
// enabled flag, allowlist, and per-session package cap.
func (m *Manager) Install(ctx context.Context, userID, containerID, pkg string, lang model.Language) (string, error) {
	if !m.config.Enabled {
		return "", fmt.Errorf("dynamic package installation is disabled")
	}
	if !m.IsAllowed(pkg, lang) {
		return "", fmt.Errorf("package %q is not in the allowlist", pkg)
	}

	m.mu.RLock()
	count := len(m.installed[userID])
	m.mu.RUnlock()
	if count >= m.config.MaxPackagesPerSession {
		return "", fmt.Errorf("maximum packages (%d) already installed", m.config.MaxPackagesPerSession)
	}

	cmd, env, err := m.installCommand(pkg, lang)
	if err != nil {
		return "", err
	}

	logging.L().Info("installing package", zap.String("user_id", userID), zap.String("package", pkg), zap.String("language", string(lang)))

	stdout, stderr, exitCode, err := m.execer.RunCommand(ctx, containerID, []string{"bash", "-c", cmd}, env)
	if err != nil {
		return "", fmt.Errorf("package installation failed: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("package installation failed (exit %d): %s", exitCode, strings.TrimSpace(stderr))
	}

	m.mu.Lock()
	if m.installed[userID] == nil {
		m.installed[userID] = make(map[string]struct{})
	}
	m.installed[userID][pkg] = struct{}{}
	m.mu.Unlock()

	logging.L().Info("package installed", zap.String("user_id", userID), zap.String("package", pkg))
	return stdout, nil
}

// ListInstalled returns the packages installed for a user this session.
func (m *Manager) ListInstalled(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.installed[userID]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// ClearUserPackages resets the installed-package tracking for a user, used
// when their session is torn down.
func (m *Manager) ClearUserPackages(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.installed, userID)
}

package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"cage/internal/admission"
	"cage/internal/analysis"
	"cage/internal/api"
	"cage/internal/audit"
	"cage/internal/cache"
	"cage/internal/config"
	"cage/internal/logging"
	"cage/internal/metrics"
	"cage/internal/packages"
	"cage/internal/ratelimit"
	"cage/internal/replay"
	"cage/internal/sandbox"
	"cage/internal/security"
	"cage/internal/store"
	"cage/pkg/models"
)

func main() {
	logging.Init()
	log := logging.L()
	defer logging.Sync()

	cfg := config.Load()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if imported, err := st.ImportBootstrapUsers(cfg.Storage.BootstrapUsersFile); err != nil {
		log.Fatal("failed to import bootstrap users", zap.Error(err))
	} else if imported > 0 {
		log.Info("imported bootstrap users", zap.Int("count", imported))
	}

	if cfg.Storage.RedisAddr != "" || cfg.Storage.RedisURL != "" {
		if _, err := cache.New(cache.Config{Addr: cfg.Storage.RedisAddr, URL: cfg.Storage.RedisURL}); err != nil {
			log.Warn("redis unavailable, continuing single-node", zap.Error(err))
		} else {
			log.Info("connected to redis for cross-replica session coordination")
		}
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatal("failed to construct docker client", zap.Error(err))
	}

	manager := sandbox.NewManager(cfg, docker, log)
	if cfg.Packages.CacheEnabled {
		manager.SetPackageCache(packages.NewCacheManager(cfg.Packages.CacheDir, true))
	}
	kernels := sandbox.NewKernelManager(manager, log)
	executor := sandbox.NewExecutor(manager, kernels, log)

	pkgManager := packages.New(packages.Config{
		Enabled:               cfg.Packages.Enabled,
		PyPIMirror:            cfg.Packages.PyPIMirror,
		NPMRegistry:           cfg.Packages.NPMRegistry,
		CRANMirror:            cfg.Packages.CRANMirror,
		MaxPackagesPerSession: cfg.Packages.MaxPackagesPerSession,
	}, executor)

	replayArchiver := buildReplayArchiver(cfg, log)
	replayStore, err := replay.New(cfg.ReplaysDir(), 10_000, replayArchiver)
	if err != nil {
		log.Fatal("failed to open replay store", zap.Error(err))
	}

	auditSink, err := audit.New(cfg.DataDir + "/audit.jsonl")
	if err != nil {
		log.Fatal("failed to open audit sink", zap.Error(err))
	}
	defer auditSink.Close()

	pipeline := admission.NewPipeline(
		&storeUserLookup{store: st},
		ratelimit.New(cfg.RequestsPerMinute),
		analysis.New(true),
		manager,
		executor,
		replayStore,
		auditSink,
		metrics.Get(),
		log,
	)

	auth := security.NewSignatureVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 24*time.Hour)

	router := api.NewRouter(&api.Server{
		Pipeline: pipeline,
		Manager:  manager,
		Executor: executor,
		Packages: pkgManager,
		Auth:     auth,
		Audit:    auditSink,
		Log:      log,
	})

	srv := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	go runIdleReaper(manager, log)

	go func() {
		log.Info("orchestrator listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}

	if cfg.StopContainersOnShutdown {
		stopped := manager.ReapIdleSessions(context.Background(), 0)
		log.Info("stopped session containers at shutdown", zap.Int("count", stopped))
	}
}

// runIdleReaper periodically terminates sessions that have had no activity
// past the configured threshold, freeing their container without purging
// the user's persisted workspace.
func runIdleReaper(manager *sandbox.Manager, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		reaped := manager.ReapIdleSessions(context.Background(), 30*time.Minute)
		if reaped > 0 {
			log.Info("idle reaper pass complete", zap.Int("sessions_reaped", reaped))
		}
	}
}

// openStore resolves the storage driver from CAGE_DATABASE_URL: a
// postgres://... URL selects Postgres, anything else (including empty) is
// treated as a local sqlite path, matching store.DefaultConfig's
// single-node posture.
func openStore(cfg *config.AppConfig) (*store.Store, error) {
	dsn := cfg.Storage.DatabaseURL
	if dsn == "" {
		return store.New(store.DefaultConfig())
	}

	parsed, err := url.Parse(dsn)
	if err == nil && (parsed.Scheme == "postgres" || parsed.Scheme == "postgresql") {
		password, _ := parsed.User.Password()
		port, _ := strconv.Atoi(parsed.Port())
		return store.New(&store.Config{
			Driver:   "postgres",
			Host:     parsed.Hostname(),
			Port:     port,
			User:     parsed.User.Username(),
			Password: password,
			DBName:   trimLeadingSlash(parsed.Path),
			SSLMode:  "disable",
			TimeZone: "UTC",
		})
	}

	return store.New(&store.Config{Driver: "sqlite", SQLitePath: dsn})
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

// buildReplayArchiver wires an S3-backed archival tier when a bucket is
// configured; replay records always land on local disk first regardless.
func buildReplayArchiver(cfg *config.AppConfig, log *zap.Logger) replay.Archiver {
	if cfg.Storage.S3Bucket == "" {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Warn("replay S3 archival disabled: failed to load AWS config", zap.Error(err))
		return nil
	}
	client := s3.NewFromConfig(awsCfg)
	return replay.NewS3Archiver(client, cfg.Storage.S3Bucket, cfg.Storage.S3Prefix)
}

// storeUserLookup adapts store.Store's user repository to
// admission.UserLookup.
type storeUserLookup struct {
	store *store.Store
}

func (s *storeUserLookup) GetByUserID(userID string) (*models.User, error) {
	return s.store.Users().GetByUserID(userID)
}

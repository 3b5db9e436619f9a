package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"go.uber.org/zap"

	"cage/internal/logging"
)

// MigrationConfig configures a versioned, file-based migration run against
// the same database AutoMigrate otherwise manages. Deployments that want
// reviewable, reversible schema changes instead of ad hoc AutoMigrate use
// this path.
type MigrationConfig struct {
	DatabaseURL    string
	DatabaseType   string // "postgres" or "sqlite"
	MigrationsPath string
}

// MigrationRunner applies or reverts schema migrations from a directory of
// versioned SQL files.
type MigrationRunner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	log     *zap.Logger
}

// MigrationStatus reports the schema's current version.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Applied bool
}

// NewMigrationRunner opens cfg.DatabaseURL and prepares to run migrations
// from cfg.MigrationsPath.
func NewMigrationRunner(cfg MigrationConfig) (*MigrationRunner, error) {
	if cfg.MigrationsPath == "" {
		return nil, errors.New("migrations path is required")
	}

	r := &MigrationRunner{log: logging.L().Named("migrate")}

	var driver migratedb.Driver
	var err error

	switch cfg.DatabaseType {
	case "postgres", "postgresql":
		r.db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres connection: %w", err)
		}
		driver, err = postgres.WithInstance(r.db, &postgres.Config{})
		if err != nil {
			return nil, fmt.Errorf("create postgres migration driver: %w", err)
		}
		cfg.DatabaseType = "postgres"
	case "sqlite", "sqlite3", "":
		r.db, err = sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite connection: %w", err)
		}
		driver, err = sqlite3.WithInstance(r.db, &sqlite3.Config{})
		if err != nil {
			return nil, fmt.Errorf("create sqlite migration driver: %w", err)
		}
		cfg.DatabaseType = "sqlite3"
	default:
		return nil, fmt.Errorf("unsupported migration database type: %s", cfg.DatabaseType)
	}

	sourceURL := "file://" + cfg.MigrationsPath
	r.migrate, err = migrate.NewWithDatabaseInstance(sourceURL, cfg.DatabaseType, driver)
	if err != nil {
		return nil, fmt.Errorf("create migration instance: %w", err)
	}

	return r, nil
}

// Up applies all pending migrations.
func (r *MigrationRunner) Up() error {
	r.log.Info("applying migrations")
	if err := r.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.log.Info("no migrations to apply")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, _ := r.migrate.Version()
	r.log.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Down rolls back the most recently applied migration.
func (r *MigrationRunner) Down() error {
	r.log.Info("rolling back last migration")
	if err := r.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// To migrates to a specific version, up or down as needed.
func (r *MigrationRunner) To(version uint) error {
	r.log.Info("migrating to version", zap.Uint("version", version))
	if err := r.migrate.Migrate(version); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate to version %d: %w", version, err)
	}
	return nil
}

// Force sets the recorded version without running migrations, for repairing
// a dirty state left by a failed migration.
func (r *MigrationRunner) Force(version int) error {
	r.log.Warn("forcing migration version", zap.Int("version", version))
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

// Status reports the current schema version.
func (r *MigrationRunner) Status() (MigrationStatus, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Version: version, Dirty: dirty, Applied: version > 0}, nil
}

// Close releases the migration source and database connection.
func (r *MigrationRunner) Close() error {
	if r.migrate == nil {
		return nil
	}
	srcErr, dbErr := r.migrate.Close()
	if srcErr != nil {
		return fmt.Errorf("close migration source: %w", srcErr)
	}
	return dbErr
}

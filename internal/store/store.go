// Package store is the orchestrator's persistence layer: user accounts and
// their resource limits, plus the audit trail, when a deployment wants these
// backed by a real database instead of the in-process/file-based defaults.
// Sessions, executions, and replay records are not stored here — those live
// in the sandbox and replay packages, which are deliberately storage-engine
// agnostic.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/glebarez/sqlite"

	"cage/pkg/models"
)

// Store wraps the GORM database handle used for user and audit persistence.
type Store struct {
	DB *gorm.DB
}

// Config selects and configures the backing database.
type Config struct {
	Driver string // "postgres" or "sqlite"

	// postgres
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string

	// sqlite
	SQLitePath string
}

// DefaultConfig returns a local sqlite configuration, suitable for a
// single-node deployment with no external database.
func DefaultConfig() *Config {
	return &Config{
		Driver:     "sqlite",
		SQLitePath: "cage.db",
		SSLMode:    "disable",
		TimeZone:   "UTC",
	}
}

// New opens the database per cfg and runs AutoMigrate for the persisted
// models.
func New(cfg *Config) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	var err error

	switch cfg.Driver {
	case "postgres", "postgresql":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.TimeZone,
		)
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = "cage.db"
		}
		db, err = gorm.Open(sqlite.Open(path), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	if cfg.Driver == "postgres" || cfg.Driver == "postgresql" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.DB.AutoMigrate(
		&models.User{},
		&AuditRecord{},
	)
}

// Health checks database connectivity.
func (s *Store) Health() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return fmt.Errorf("get underlying sql.DB: %w", err)
	}
	return sqlDB.Ping()
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(fn func(*gorm.DB) error) error {
	return s.DB.Transaction(fn)
}

// Package db opens the relational stores backing the catalog and monitor.
// Both run on the same configuration surface: SQLite for development and
// single-node deployments, PostgreSQL for production.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Engine defines the supported database backends.
type Engine string

const (
	// EngineSQLite uses SQLite (single-node, default).
	EngineSQLite Engine = "sqlite"

	// EnginePostgres uses PostgreSQL.
	EnginePostgres Engine = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" gives an in-memory database
	// for tests.
	Path string `mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"` // disable, require, verify-ca, verify-full
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config selects and configures a database engine.
type Config struct {
	Engine   Engine         `mapstructure:"db_engine"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	// Echo enables SQL statement logging, for debugging.
	Echo bool `mapstructure:"echo"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults(defaultPath string) {
	if c.Engine == "" {
		c.Engine = EngineSQLite
	}
	if c.Engine == EngineSQLite && c.SQLite.Path == "" {
		c.SQLite.Path = defaultPath
	}
	if c.Engine == EnginePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case EnginePostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database engine: %s", c.Engine)
	}
	return nil
}

// Open connects to the configured database and migrates the given models.
func Open(cfg Config, models ...any) (*gorm.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch cfg.Engine {
	case EngineSQLite:
		dsn := cfg.SQLite.Path
		if !strings.Contains(dsn, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
			// WAL keeps readers (RPC queries) off the single writer's
			// back; busy_timeout rides out short lock contention.
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		dialector = sqlite.Open(dsn)
	case EnginePostgres:
		dialector = postgres.Open(cfg.Postgres.DSN())
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", cfg.Engine)
	}

	logMode := logger.Default.LogMode(logger.Silent)
	if cfg.Echo {
		logMode = logger.Default.LogMode(logger.Info)
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logMode})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Engine == EnginePostgres {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}

	if len(models) > 0 {
		if err := gdb.AutoMigrate(models...); err != nil {
			return nil, fmt.Errorf("failed to run database migration: %w", err)
		}
	}
	return gdb, nil
}

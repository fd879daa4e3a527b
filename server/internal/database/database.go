// Package database opens the gorm connection backing the deployment store.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/obot-platform/mcprunner/server/internal/config"
	"github.com/obot-platform/mcprunner/server/internal/model"
)

// DB wraps the gorm handle together with the driver it was opened with.
type DB struct {
	*gorm.DB
	Driver string
}

// New opens the database described by cfg.
func New(cfg *config.Config) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.DatabaseDriver {
	case "sqlite":
		path := cfg.SQLitePath()
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseDSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DatabaseDriver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.DatabaseDriver == "sqlite" {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		// SQLite allows a single writer; serialize through one connection.
		sqlDB.SetMaxOpenConns(1)
	}

	return &DB{DB: gdb, Driver: cfg.DatabaseDriver}, nil
}

// Migrate creates or updates the schema.
func (db *DB) Migrate() error {
	if err := db.AutoMigrate(&model.Deployment{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Ping checks that the database answers.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

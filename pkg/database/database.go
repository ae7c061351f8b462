// Package database owns the durable store connection: pool setup, health
// checks, migrations and the transactional unit of work the repositories
// run inside.
package database

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	// PostgreSQL driver
	_ "github.com/lib/pq"

	"github.com/sessionmesh/sessionmesh/pkg/observability"
)

// Config holds connection pool settings
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Database is the durable store access layer
type Database struct {
	db     *sqlx.DB
	logger observability.Logger
}

// New opens a PostgreSQL connection pool and verifies connectivity
func New(ctx context.Context, cfg Config, logger observability.Logger) (*Database, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	logger.Info("Database connected", map[string]interface{}{
		"dsn":            sanitizeDSN(cfg.DSN),
		"max_open_conns": cfg.MaxOpenConns,
	})
	return &Database{db: db, logger: logger}, nil
}

// NewFromDB wraps an existing pool; used by tests with sqlmock
func NewFromDB(db *sqlx.DB, logger observability.Logger) *Database {
	return &Database{db: db, logger: logger}
}

// DB exposes the underlying sqlx pool
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// Ping checks connectivity; used by the readiness probe
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close shuts the pool down
func (d *Database) Close() error {
	return d.db.Close()
}

// sanitizeDSN masks credentials for safe logging
func sanitizeDSN(dsn string) string {
	if strings.Contains(dsn, "password=") {
		parts := strings.Split(dsn, " ")
		sanitized := make([]string, 0, len(parts))
		for _, part := range parts {
			if strings.HasPrefix(part, "password=") {
				sanitized = append(sanitized, "password=***")
			} else {
				sanitized = append(sanitized, part)
			}
		}
		return strings.Join(sanitized, " ")
	}
	if idx := strings.Index(dsn, "://"); idx != -1 {
		if atIdx := strings.Index(dsn[idx:], "@"); atIdx != -1 {
			return dsn[:idx+3] + "***:***" + dsn[idx+atIdx:]
		}
	}
	return dsn
}

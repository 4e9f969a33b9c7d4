// Package db is the relational store behind the pending registry, the
// workflow engine, rosters, held messages and digests.
//
// SQLite (modernc, no cgo) is the default backend; PostgreSQL is reached
// through pgx's database/sql driver. Queries live in embedded .sql files
// and are looked up by name, with placeholders rebound per driver.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store wraps the connection pool and the named queries.
type Store struct {
	db           *sqlx.DB
	queries      *Queries
	queryTimeout time.Duration
	logQueries   bool
}

// parseURL maps a configured URL onto a driver name and data source.
func parseURL(dbURL string) (string, string, error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite URL has no path")
		}
		if path == ":memory:" {
			return DriverSQLite, path, nil
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return DriverSQLite, path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return DriverPostgres, dbURL, nil
	}
	return "", "", fmt.Errorf("unsupported database URL %q (expected sqlite:// or postgres://)", dbURL)
}

// Open connects, applies pending migrations when enabled, and loads the
// named queries.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	driver, dsn, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	sdb, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer; transactions serialise on the single connection.
		sdb.SetMaxOpenConns(1)
		sdb.SetMaxIdleConns(1)
		sdb.SetConnMaxLifetime(0)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 16
		}
		sdb.SetMaxOpenConns(maxOpen)
		sdb.SetMaxIdleConns(maxOpen / 4)
		sdb.SetConnMaxIdleTime(5 * time.Minute)
		sdb.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.GetAutoMigrate() {
		if err := MigrateUp(ctx, sdb); err != nil {
			sdb.Close()
			return nil, err
		}
	}

	store, err := NewStore(sdb)
	if err != nil {
		sdb.Close()
		return nil, err
	}
	if store.queryTimeout, err = cfg.GetQueryTimeout(); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("invalid database.query_timeout: %w", err)
	}
	store.logQueries = cfg.LogQueries

	logger.Info("Database: connected", "driver", driver)
	return store, nil
}

// NewStore wraps an existing connection, as used by tests.
func NewStore(sdb *sqlx.DB) (*Store, error) {
	q, err := LoadQueries()
	if err != nil {
		return nil, err
	}
	return &Store{db: sdb, queries: q, queryTimeout: 30 * time.Second}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for the admin tool's migration commands.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errBeginTx, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warn("Database: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", errCommitTx, err)
	}
	return nil
}

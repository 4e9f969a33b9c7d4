package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/logger"
)

//go:embed migrations
var MigrationsFS embed.FS

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("Migrate: "+strings.TrimRight(format, "\n"), v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}

// NewMigrator builds a migrate instance over an open connection. The
// returned instance must not be closed, it would close the shared pool.
func NewMigrator(sqlDB *sql.DB, driverName string) (*migrate.Migrate, error) {
	dir := "sqlite"
	if driverName == DriverPostgres {
		dir = "postgres"
	}
	sub, err := fs.Sub(MigrationsFS, "migrations/"+dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	var (
		drv     database.Driver
		drvName string
	)
	if driverName == DriverPostgres {
		drv, err = pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
		drvName = "pgx5"
	} else {
		drv, err = sqlite.WithInstance(sqlDB, &sqlite.Config{})
		drvName = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, drvName, drv)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations. On PostgreSQL an advisory lock
// keeps concurrent starts from racing.
func MigrateUp(ctx context.Context, sdb *sqlx.DB) error {
	if sdb.DriverName() == DriverPostgres {
		conn, err := sdb.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", consts.MigrationAdvisoryLockID); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		defer func() {
			if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", consts.MigrationAdvisoryLockID); err != nil {
				logger.Warn("Migrate: failed to release advisory lock", "error", err)
			}
		}()
	}

	m, err := NewMigrator(sdb.DB, sdb.DriverName())
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database schema version %d is dirty", version)
	}
	logger.Info("Database: schema up to date", "version", version)
	return nil
}

package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"

	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/pkg/metrics"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// Queries holds the named SQL statements from queries/*.sql.
type Queries struct {
	dot *dotsql.DotSql
}

func LoadQueries() (*Queries, error) {
	var combined strings.Builder

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}
		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		combined.Write(content)
		combined.WriteString("\n")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combined.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}
	return &Queries{dot: dot}, nil
}

func (q *Queries) Raw(name string) (string, error) {
	query, err := q.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return query, nil
}

// runner is satisfied by both *sqlx.DB and *sqlx.Tx.
type runner interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *Store) prepare(name, suffix string) (string, error) {
	query, err := s.queries.Raw(name)
	if err != nil {
		return "", err
	}
	query = strings.TrimRight(strings.TrimSpace(query), ";") + suffix
	if s.logQueries {
		logger.Debug("Database: query", "name", name, "sql", query)
	}
	return s.db.Rebind(query), nil
}

func observe(name string, err error) {
	status := "success"
	if err != nil && err != sql.ErrNoRows {
		status = "error"
	}
	metrics.DBQueriesTotal.WithLabelValues(name, status).Inc()
}

func (s *Store) exec(ctx context.Context, r runner, name string, args ...interface{}) (sql.Result, error) {
	query, err := s.prepare(name, "")
	if err != nil {
		return nil, err
	}
	res, err := r.ExecContext(ctx, query, args...)
	observe(name, err)
	return res, err
}

func (s *Store) get(ctx context.Context, r runner, dest interface{}, name string, args ...interface{}) error {
	query, err := s.prepare(name, "")
	if err != nil {
		return err
	}
	err = r.GetContext(ctx, dest, query, args...)
	observe(name, err)
	return err
}

func (s *Store) selectAll(ctx context.Context, r runner, dest interface{}, name string, args ...interface{}) error {
	query, err := s.prepare(name, "")
	if err != nil {
		return err
	}
	err = r.SelectContext(ctx, dest, query, args...)
	observe(name, err)
	return err
}

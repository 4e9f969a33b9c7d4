package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/migadu/tidings/consts"
)

// PendedRecord is a row of the pended table.
type PendedRecord struct {
	ID             int64  `db:"id"`
	Token          string `db:"token"`
	ExpirationDate int64  `db:"expiration_date"`
}

// KeyValue is one serialized pendable attribute.
type KeyValue struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

func (s *Store) PendedTokenExists(ctx context.Context, token string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	if err := s.get(ctx, s.db, &n, "pended-token-exists", token); err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	return n > 0, nil
}

// InsertPended stores a pended record and its attributes atomically.
func (s *Store) InsertPended(ctx context.Context, token string, expiration int64, kvs []KeyValue) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		if err := s.get(ctx, tx, &id, "insert-pended", token, expiration); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: token %s", consts.ErrDBUniqueViolation, token)
			}
			return fmt.Errorf("failed to insert pended: %w", err)
		}
		for _, kv := range kvs {
			if _, err := s.exec(ctx, tx, "insert-pended-keyvalue", kv.Key, kv.Value, id); err != nil {
				return fmt.Errorf("failed to insert pended key %s: %w", kv.Key, err)
			}
		}
		return nil
	})
}

// GetPended returns consts.ErrNotFound for an unknown token.
func (s *Store) GetPended(ctx context.Context, token string) (*PendedRecord, []KeyValue, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec PendedRecord
	if err := s.get(ctx, s.db, &rec, "get-pended", token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, consts.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get pended: %w", err)
	}
	var kvs []KeyValue
	if err := s.selectAll(ctx, s.db, &kvs, "get-pended-keyvalues", rec.ID); err != nil {
		return nil, nil, fmt.Errorf("failed to get pended attributes: %w", err)
	}
	return &rec, kvs, nil
}

// DeletePended removes the key-values, the pended row and any workflow
// state for token in one transaction. It reports whether a pended row
// existed.
func (s *Store) DeletePended(ctx context.Context, token string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	found := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rec PendedRecord
		err := s.get(ctx, tx, &rec, "get-pended", token)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to get pended: %w", err)
		default:
			found = true
			if _, err := s.exec(ctx, tx, "delete-pended-keyvalues", rec.ID); err != nil {
				return fmt.Errorf("failed to delete pended attributes: %w", err)
			}
			if _, err := s.exec(ctx, tx, "delete-pended", rec.ID); err != nil {
				return fmt.Errorf("failed to delete pended: %w", err)
			}
		}
		if _, err := s.exec(ctx, tx, "delete-workflow-state", token); err != nil {
			return fmt.Errorf("failed to delete workflow state: %w", err)
		}
		return nil
	})
	return found, err
}

// TakePended returns the attributes of token and deletes the record, its
// attributes and any workflow state in one transaction. Of two concurrent
// takes of the same token only one gets the attributes; the other gets
// consts.ErrNotFound.
func (s *Store) TakePended(ctx context.Context, token string) ([]KeyValue, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var kvs []KeyValue
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rec PendedRecord
		if err := s.get(ctx, tx, &rec, "get-pended", token); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return consts.ErrNotFound
			}
			return fmt.Errorf("failed to get pended: %w", err)
		}
		if err := s.selectAll(ctx, tx, &kvs, "get-pended-keyvalues", rec.ID); err != nil {
			return fmt.Errorf("failed to get pended attributes: %w", err)
		}
		if _, err := s.exec(ctx, tx, "delete-pended-keyvalues", rec.ID); err != nil {
			return fmt.Errorf("failed to delete pended attributes: %w", err)
		}
		res, err := s.exec(ctx, tx, "delete-pended", rec.ID)
		if err != nil {
			return fmt.Errorf("failed to delete pended: %w", err)
		}
		// The row count is the claim: a concurrent take already removed it.
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return consts.ErrNotFound
		}
		if _, err := s.exec(ctx, tx, "delete-workflow-state", token); err != nil {
			return fmt.Errorf("failed to delete workflow state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kvs, nil
}

// EvictExpired deletes every record that expired before now, together
// with attributes and workflow states, and returns their tokens.
func (s *Store) EvictExpired(ctx context.Context, now int64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var tokens []string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var expired []PendedRecord
		if err := s.selectAll(ctx, tx, &expired, "select-expired-pended", now); err != nil {
			return fmt.Errorf("failed to select expired: %w", err)
		}
		for _, rec := range expired {
			if _, err := s.exec(ctx, tx, "delete-pended-keyvalues", rec.ID); err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, "delete-pended", rec.ID); err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, "delete-workflow-state", rec.Token); err != nil {
				return err
			}
			tokens = append(tokens, rec.Token)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) filterClause(conds []KeyValue) (string, []interface{}) {
	var b strings.Builder
	args := make([]interface{}, 0, 2*len(conds))
	for _, c := range conds {
		b.WriteString(" AND EXISTS (SELECT 1 FROM pendedkeyvalue kv WHERE kv.pended_id = p.id AND kv.key = ? AND kv.value = ?)")
		args = append(args, c.Key, c.Value)
	}
	return b.String(), args
}

// FindPendedTokens returns, in insertion order, the tokens of records
// carrying every key/value pair in conds.
func (s *Store) FindPendedTokens(ctx context.Context, conds []KeyValue) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	clause, args := s.filterClause(conds)
	query, err := s.prepare("find-pended-base", clause+" ORDER BY p.id")
	if err != nil {
		return nil, err
	}
	var tokens []string
	err = s.db.SelectContext(ctx, &tokens, query, args...)
	observe("find-pended", err)
	if err != nil {
		return nil, fmt.Errorf("failed to find pended: %w", err)
	}
	return tokens, nil
}

func (s *Store) CountPended(ctx context.Context, conds []KeyValue) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	clause, args := s.filterClause(conds)
	query, err := s.prepare("count-pended-base", clause)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.GetContext(ctx, &n, query, args...)
	observe("count-pended", err)
	if err != nil {
		return 0, fmt.Errorf("failed to count pended: %w", err)
	}
	return n, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/migadu/tidings/consts"
)

// WorkflowState is a paused workflow keyed by its token.
type WorkflowState struct {
	Token string         `db:"token"`
	Step  sql.NullString `db:"step"`
	Data  sql.NullString `db:"data"`
}

func (s *Store) SaveWorkflowState(ctx context.Context, token, step, data string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.exec(ctx, s.db, "upsert-workflow-state", token, step, data); err != nil {
		return fmt.Errorf("failed to save workflow state: %w", err)
	}
	return nil
}

// TakeWorkflowState fetches and deletes the state in one statement. It
// returns consts.ErrNotFound when no state is stored for token.
func (s *Store) TakeWorkflowState(ctx context.Context, token string) (*WorkflowState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var st WorkflowState
	if err := s.get(ctx, s.db, &st, "take-workflow-state", token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consts.ErrNotFound
		}
		return nil, fmt.Errorf("failed to restore workflow state: %w", err)
	}
	return &st, nil
}

func (s *Store) GetWorkflowState(ctx context.Context, token string) (*WorkflowState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var st WorkflowState
	if err := s.get(ctx, s.db, &st, "get-workflow-state", token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consts.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow state: %w", err)
	}
	return &st, nil
}

// DeleteWorkflowState reports whether a state existed.
func (s *Store) DeleteWorkflowState(ctx context.Context, token string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.exec(ctx, s.db, "delete-workflow-state", token)
	if err != nil {
		return false, fmt.Errorf("failed to delete workflow state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

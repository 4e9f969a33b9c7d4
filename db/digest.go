package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type DigestMessage struct {
	ID      int64  `db:"id"`
	ListID  string `db:"list_id"`
	Sender  string `db:"sender"`
	Subject string `db:"subject"`
	Raw     []byte `db:"raw"`
	Size    int64  `db:"size"`
	AddedAt int64  `db:"added_at"`
}

// AppendDigest adds a posting to the list's pending digest and returns
// the accumulated size in bytes.
func (s *Store) AppendDigest(ctx context.Context, m *DigestMessage) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.exec(ctx, tx, "insert-digest-message",
			m.ListID, m.Sender, m.Subject, m.Raw, int64(len(m.Raw)), m.AddedAt); err != nil {
			return fmt.Errorf("failed to append digest message: %w", err)
		}
		return s.get(ctx, tx, &total, "digest-size", m.ListID)
	})
	return total, err
}

func (s *Store) DigestSize(ctx context.Context, listID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total int64
	if err := s.get(ctx, s.db, &total, "digest-size", listID); err != nil {
		return 0, fmt.Errorf("failed to get digest size: %w", err)
	}
	return total, nil
}

// TakeDigest returns the collected postings for listID and removes them.
func (s *Store) TakeDigest(ctx context.Context, listID string) ([]DigestMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []DigestMessage
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.selectAll(ctx, tx, &out, "list-digest-messages", listID); err != nil {
			return fmt.Errorf("failed to read digest: %w", err)
		}
		if len(out) == 0 {
			return nil
		}
		_, err := s.exec(ctx, tx, "delete-digest-messages", listID, out[len(out)-1].ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DigestLists returns the ids of lists with collected postings.
func (s *Store) DigestLists(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ids []string
	if err := s.selectAll(ctx, s.db, &ids, "digest-lists"); err != nil {
		return nil, fmt.Errorf("failed to list digests: %w", err)
	}
	return ids, nil
}

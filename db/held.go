package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/helpers"
)

// HeldMessage is a posting awaiting a moderator decision. Metadata is the
// JSON-encoded queue metadata of the original entry.
type HeldMessage struct {
	ID        int64  `db:"id" json:"id"`
	ListID    string `db:"list_id" json:"list_id"`
	MessageID string `db:"message_id" json:"message_id"`
	Sender    string `db:"sender" json:"sender"`
	Subject   string `db:"subject" json:"subject"`
	Reason    string `db:"reason" json:"reason"`
	Metadata  string `db:"metadata" json:"-"`
	Raw       []byte `db:"raw" json:"-"`
	HeldAt    int64  `db:"held_at" json:"held_at"`
}

// InsertHeldMessage stores m and sets its ID. Header-derived text columns
// are sanitized since PostgreSQL rejects NUL bytes in text.
func (s *Store) InsertHeldMessage(ctx context.Context, m *HeldMessage) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m.Sender = helpers.SanitizeUTF8(m.Sender)
	m.Subject = helpers.SanitizeUTF8(m.Subject)
	m.Reason = helpers.SanitizeUTF8(m.Reason)

	err := s.get(ctx, s.db, &m.ID, "insert-held-message",
		m.ListID, m.MessageID, m.Sender, m.Subject, m.Reason, m.Metadata, m.Raw, m.HeldAt)
	if err != nil {
		return fmt.Errorf("failed to hold message: %w", err)
	}
	return nil
}

func (s *Store) GetHeldMessage(ctx context.Context, id int64) (*HeldMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m HeldMessage
	if err := s.get(ctx, s.db, &m, "get-held-message", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consts.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get held message: %w", err)
	}
	return &m, nil
}

func (s *Store) HeldMessages(ctx context.Context, listID string) ([]HeldMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []HeldMessage
	if err := s.selectAll(ctx, s.db, &out, "list-held-messages", listID); err != nil {
		return nil, fmt.Errorf("failed to list held messages: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteHeldMessage(ctx context.Context, id int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.exec(ctx, s.db, "delete-held-message", id)
	if err != nil {
		return fmt.Errorf("failed to delete held message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consts.ErrNotFound
	}
	return nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/mlist"
)

var _ mlist.Roster = (*Store)(nil)

func (s *Store) GetMember(ctx context.Context, listID, email string, role mlist.Role) (*mlist.Member, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var m mlist.Member
	if err := s.get(ctx, s.db, &m, "get-member", listID, strings.ToLower(email), string(role)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consts.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

func (s *Store) Members(ctx context.Context, listID string, role mlist.Role) ([]mlist.Member, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []mlist.Member
	if err := s.selectAll(ctx, s.db, &out, "list-members", listID, string(role)); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return out, nil
}

func (s *Store) AddMember(ctx context.Context, m *mlist.Member) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m.Email = strings.ToLower(m.Email)
	_, err := s.exec(ctx, s.db, "insert-member",
		m.ID, m.ListID, m.Email, m.DisplayName, string(m.Role), m.ModerationAction,
		string(m.DeliveryMode), m.DeliveryEnabled, m.ReceiveOwnPostings, m.SubscribedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return consts.ErrAlreadySubscribed
		}
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, listID, email string, role mlist.Role) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.exec(ctx, s.db, "delete-member", listID, strings.ToLower(email), string(role))
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consts.ErrNotFound
	}
	return nil
}

func (s *Store) SetModerationAction(ctx context.Context, listID, email string, role mlist.Role, action string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.exec(ctx, s.db, "update-member-moderation", action, listID, strings.ToLower(email), string(role))
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consts.ErrNotFound
	}
	return nil
}

// IsBanned checks email against the list's bans and the site-wide bans
// (stored with an empty list id).
func (s *Store) IsBanned(ctx context.Context, listID, email string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var patterns []string
	if err := s.selectAll(ctx, s.db, &patterns, "list-ban-patterns", listID); err != nil {
		return false, fmt.Errorf("failed to load bans: %w", err)
	}
	for _, p := range patterns {
		if helpers.MatchesAddressPattern(p, email) {
			return true, nil
		}
	}
	return false, nil
}

type Ban struct {
	ListID    string `db:"list_id" json:"list_id"`
	Pattern   string `db:"pattern" json:"pattern"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

func (s *Store) Bans(ctx context.Context, listID string) ([]Ban, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []Ban
	if err := s.selectAll(ctx, s.db, &out, "list-bans", listID); err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	return out, nil
}

func (s *Store) AddBan(ctx context.Context, listID, pattern string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.exec(ctx, s.db, "insert-ban", listID, strings.ToLower(pattern), time.Now().Unix()); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to add ban: %w", err)
	}
	return nil
}

func (s *Store) RemoveBan(ctx context.Context, listID, pattern string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.exec(ctx, s.db, "delete-ban", listID, strings.ToLower(pattern))
	if err != nil {
		return fmt.Errorf("failed to remove ban: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consts.ErrNotFound
	}
	return nil
}

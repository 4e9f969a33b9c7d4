package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/migadu/tidings/pkg/metrics"
)

// ListStats holds the per-list counters used for subject numbering and
// digest volumes.
type ListStats struct {
	ListID           string `db:"list_id" json:"list_id"`
	PostID           int64  `db:"post_id" json:"post_id"`
	LastPostAt       int64  `db:"last_post_at" json:"last_post_at"`
	DigestVolume     int64  `db:"digest_volume" json:"digest_volume"`
	DigestNumber     int64  `db:"digest_number" json:"digest_number"`
	DigestLastSentAt int64  `db:"digest_last_sent_at" json:"digest_last_sent_at"`
}

func (s *Store) getStats(ctx context.Context, tx *sqlx.Tx, listID string) (*ListStats, error) {
	if _, err := s.exec(ctx, tx, "ensure-list-stats", listID); err != nil {
		return nil, fmt.Errorf("failed to create list stats: %w", err)
	}
	var st ListStats
	if err := s.get(ctx, tx, &st, "get-list-stats", listID); err != nil {
		return nil, fmt.Errorf("failed to get list stats: %w", err)
	}
	return &st, nil
}

func (s *Store) GetListStats(ctx context.Context, listID string) (*ListStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var st *ListStats
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		st, err = s.getStats(ctx, tx, listID)
		return err
	})
	return st, err
}

// BumpPostID returns the post id to use for the current posting and
// advances the counter.
func (s *Store) BumpPostID(ctx context.Context, listID string, now int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		st, err := s.getStats(ctx, tx, listID)
		if err != nil {
			return err
		}
		id = st.PostID
		_, err = s.exec(ctx, tx, "bump-post-id", now, listID)
		return err
	})
	return id, err
}

// BumpDigestNumber returns the volume and issue number for the digest
// being sent and advances the issue number.
func (s *Store) BumpDigestNumber(ctx context.Context, listID string, now int64) (volume, number int64, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		st, err := s.getStats(ctx, tx, listID)
		if err != nil {
			return err
		}
		volume, number = st.DigestVolume, st.DigestNumber
		_, err = s.exec(ctx, tx, "bump-digest-number", now, listID)
		return err
	})
	return volume, number, err
}

// GetStats feeds the metrics collector.
func (s *Store) GetStats(ctx context.Context) (*metrics.Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var st metrics.Stats
	if err := s.get(ctx, s.db, &st.Members, "count-members"); err != nil {
		return nil, err
	}
	if err := s.get(ctx, s.db, &st.Pending, "count-pended-base"); err != nil {
		return nil, err
	}
	if err := s.get(ctx, s.db, &st.Held, "count-held-messages"); err != nil {
		return nil, err
	}
	return &st, nil
}

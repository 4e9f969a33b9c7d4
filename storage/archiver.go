// Package storage keeps copies of list postings for the archive runner.
//
// Messages are stored content-addressed under
//
//	<list-id>/<yyyy>/<mm>/<blake3 of the message>.eml
//
// so re-archiving the same message after a crash is a no-op. Two backends
// exist: an S3-compatible bucket (minio-go) and a local directory.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/helpers"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/pkg/circuitbreaker"
	"github.com/migadu/tidings/pkg/metrics"
	"github.com/migadu/tidings/pkg/retry"
)

// Archiver stores a raw message for a list and returns its key.
type Archiver interface {
	Archive(ctx context.Context, listID string, raw []byte, received time.Time) (string, error)
}

// ObjectStore is the subset of an S3 bucket the archiver needs. S3Storage
// and testutils.FileObjectStore implement it.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// Key returns the archive key for raw.
func Key(listID string, raw []byte, received time.Time) string {
	return helpers.NewArchiveKey(listID, received.UTC(), raw)
}

// ObjectArchiver writes to an ObjectStore behind a circuit breaker, with a
// short retry for transient errors.
type ObjectArchiver struct {
	store   ObjectStore
	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
}

func NewObjectArchiver(store ObjectStore) *ObjectArchiver {
	backoff := retry.DefaultBackoffConfig()
	backoff.OperationName = "archive_put"
	return &ObjectArchiver{
		store: store,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "s3_archive",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		backoff: backoff,
	}
}

func (a *ObjectArchiver) Archive(ctx context.Context, listID string, raw []byte, received time.Time) (string, error) {
	key := Key(listID, raw, received)

	err := a.breaker.Do(func() error {
		exists, err := a.store.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			logger.Debug("Storage: Already archived", "key", key)
			return nil
		}
		return retry.WithRetry(ctx, func() error {
			err := a.store.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)))
			if err != nil && isPermanentS3Error(err) {
				return retry.Stop(err)
			}
			return err
		}, a.backoff)
	})
	if err != nil {
		metrics.ArchiveOperationsTotal.WithLabelValues("s3", "error").Inc()
		return "", fmt.Errorf("failed to archive %s: %w", key, err)
	}
	metrics.ArchiveOperationsTotal.WithLabelValues("s3", "success").Inc()
	return key, nil
}

// DirArchiver writes archive files below a local directory.
type DirArchiver struct {
	root string
}

func NewDirArchiver(root string) (*DirArchiver, error) {
	if root == "" {
		return nil, errors.New("dir archive requires a path")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &DirArchiver{root: root}, nil
}

func (a *DirArchiver) Archive(_ context.Context, listID string, raw []byte, received time.Time) (string, error) {
	key := Key(listID, raw, received)
	path := filepath.Join(a.root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := a.write(path, raw); err != nil {
		metrics.ArchiveOperationsTotal.WithLabelValues("dir", "error").Inc()
		return "", err
	}
	metrics.ArchiveOperationsTotal.WithLabelValues("dir", "success").Inc()
	return key, nil
}

func (a *DirArchiver) write(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// NewArchiver builds the configured backend.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "dir":
		return NewDirArchiver(cfg.Path)
	case "s3":
		s3, err := NewS3(cfg.S3)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return NewObjectArchiver(s3), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

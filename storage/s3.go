package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage is an ObjectStore on an S3-compatible bucket.
type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

func NewS3(cfg config.S3Config) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires endpoint and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("Storage: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}
	return &S3Storage{Client: client, BucketName: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.BucketName, err)
	}
	if ok {
		return nil
	}
	if err := s.Client.MakeBucket(ctx, s.BucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.BucketName, err)
	}
	logger.Info("Storage: Created archive bucket", "bucket", s.BucketName)
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size, minio.PutObjectOptions{
		ContentType:    "message/rfc822",
		SendContentMd5: true,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s (%s): %w", key, classifyS3Error(err), err)
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return object, nil
}

// classifyS3Error gives a short label for logs.
func classifyS3Error(err error) string {
	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}

// isPermanentS3Error reports errors retrying will not fix.
func isPermanentS3Error(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return true
	}
	return false
}


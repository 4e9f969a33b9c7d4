// Package retry runs an operation with exponential backoff and jitter.
//
// It covers the short, in-process retries tidings makes: opening the
// database at startup, S3 archive uploads, and per-attempt SMTP
// connection setup. Long-term redelivery of outgoing mail is handled by
// the outgoing runner re-enqueueing the entry, not here.
//
//	err := retry.WithRetry(ctx, func() error {
//		return archiver.Put(ctx, key, raw)
//	}, retry.DefaultBackoffConfig())
//
// Wrap an error with Stop to end the loop early, for example on a
// permanent SMTP rejection.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/tidings/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
	// OperationName is only used in log lines.
	OperationName string
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// Delay returns the wait before the given attempt. Attempt 0 is the first
// try and never waits in WithRetry.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialInterval
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

type RetryableFunc func() error

// StopError halts WithRetry and is unwrapped before being returned.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry calls fn until it succeeds, returns a StopError, the context
// ends, or MaxRetries additional attempts have been made.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(config.Delay(attempt)):
			}
		}
		attempts++

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		if config.OperationName != "" {
			logger.Debug("Retry: attempt failed", "operation", config.OperationName,
				"attempt", attempts, "max", config.MaxRetries+1, "error", err)
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

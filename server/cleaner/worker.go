// Package cleaner runs the periodic eviction of expired pending records.
// Expired subscription, unsubscription and held-message tokens are removed
// along with their workflow state; the worker runs until its context is
// done or Stop is called.
package cleaner

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/pkg/metrics"
)

// Evicter is implemented by pending.Registry.
type Evicter interface {
	Evict(ctx context.Context) (int, error)
}

// Counter reports how many records remain. Optional; pending.Registry
// implements it.
type Counter interface {
	Count(ctx context.Context, f pending.Filter) (int, error)
}

type CleanupWorker struct {
	pendings Evicter
	counter  Counter
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

const minAllowedInterval = time.Minute

// New creates a new CleanupWorker. Intervals below one minute are raised
// to one minute.
func New(pendings Evicter, counter Counter, interval time.Duration) *CleanupWorker {
	return &CleanupWorker{
		pendings: pendings,
		counter:  counter,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (w *CleanupWorker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minAllowedInterval {
		logger.Warn("Cleaner: Interval below minimum, using minimum", "configured", w.interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Cleaner: Worker starting", "interval", interval)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		// Tokens may have expired while the process was down.
		w.runOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleaner: Worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleaner: Worker stopped due to stop signal")
				return
			case <-ticker.C:
				w.runOnce(ctx)
			}
		}
	}()
}

// Stop signals the cleanup worker to stop.
func (w *CleanupWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// runOnce evicts expired records, returning how many were removed.
func (w *CleanupWorker) runOnce(ctx context.Context) int {
	n, err := w.pendings.Evict(ctx)
	if err != nil {
		logger.Error("Cleaner: Eviction failed", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("Cleaner: Evicted expired records", "count", n)
	}
	if w.counter != nil {
		if total, err := w.counter.Count(ctx, pending.Filter{}); err != nil {
			logger.Warn("Cleaner: Failed to count pending records", "error", err)
		} else {
			metrics.PendingEntries.Set(float64(total))
		}
	}
	return n
}

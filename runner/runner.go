// Package runner drains the switchboards. A Runner owns one queue slice
// and hands each entry to its Disposer; the concrete disposers in this
// package implement the incoming, pipeline, virgin, outgoing, command,
// archive and digest runners.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/tidings/config"
	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/email"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/pkg/metrics"
	"github.com/migadu/tidings/queue"
)

// Disposer handles one dequeued entry. Returning true asks for the entry
// to be requeued with its (possibly updated) metadata.
type Disposer interface {
	Dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (bool, error)
}

// Periodic is implemented by disposers that also have timed work, such as
// flushing digests.
type Periodic interface {
	DoPeriodic(ctx context.Context)
}

// Lists resolves the listid of an entry.
type Lists interface {
	Get(id string) (*mlist.MailingList, bool)
}

// Board is the part of a switchboard a runner uses.
type Board interface {
	Name() string
	Files() ([]string, error)
	Dequeue(fb string) (*email.Message, email.Metadata, error)
	Finish(fb string, preserve bool) error
	Requeue(fb string, msg *email.Message, meta email.Metadata) (string, error)
	Release(fb string) error
	RecoverBackupFiles() (int, error)
	Count() (int, error)
}

type Runner struct {
	name     string
	board    Board
	lists    Lists
	disposer Disposer
	queues   queue.Enqueuer

	sleep        time.Duration
	periodic     time.Duration
	lastPeriodic time.Time

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// New builds a runner for board. queues receives shunted entries.
func New(name string, board Board, lists Lists, disposer Disposer, queues queue.Enqueuer, cfg config.RunnerConfig) (*Runner, error) {
	sleep, err := cfg.GetSleepTime()
	if err != nil {
		return nil, fmt.Errorf("runner %s: invalid sleep_time: %w", name, err)
	}
	periodic, err := cfg.GetPeriodicInterval()
	if err != nil {
		return nil, fmt.Errorf("runner %s: invalid periodic_interval: %w", name, err)
	}
	return &Runner{
		name:     name,
		board:    board,
		lists:    lists,
		disposer: disposer,
		queues:   queues,
		sleep:    sleep,
		periodic: periodic,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

func (r *Runner) Name() string { return r.name }

// Start recovers orphaned entries and begins processing in the
// background. Calling Start on a running runner is a no-op.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	if _, err := r.board.RecoverBackupFiles(); err != nil {
		logger.Error(r.prefix()+"Failed to recover backup files", "error", err)
	}
	r.lastPeriodic = time.Now()

	r.wg.Add(1)
	go r.run(ctx)

	logger.Info(r.prefix()+"Started", "queue", r.board.Name(), "sleep", r.sleep)
	return nil
}

// Stop asks the loop to exit and waits for the entry in flight. The entry
// is disposed of to completion; cancellation is only honored between
// entries.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	logger.Info(r.prefix() + "Stopped")
}

// Notify wakes an idle runner without waiting for the sleep to elapse.
func (r *Runner) Notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

func (r *Runner) prefix() string {
	return "Runner[" + r.name + "]: "
}

func (r *Runner) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Runner) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.wg.Done()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-timer.C:
		case <-r.notifyCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		progress, err := r.RunOnce(ctx)
		if err != nil {
			logger.Error(r.prefix()+"Pass failed", "error", err)
		}
		r.maybePeriodic(ctx)

		if progress > 0 && !r.stopping(ctx) {
			timer.Reset(0)
		} else {
			timer.Reset(r.sleep)
		}
	}
}

func (r *Runner) maybePeriodic(ctx context.Context) {
	p, ok := r.disposer.(Periodic)
	if !ok || r.stopping(ctx) {
		return
	}
	if time.Since(r.lastPeriodic) < r.periodic {
		return
	}
	r.lastPeriodic = time.Now()
	p.DoPeriodic(context.WithoutCancel(ctx))
}

// RunOnce makes one pass over the queued entries and returns how many
// were finished. Requeued entries do not count, so a queue holding only
// deferred entries reads as idle. ctx is checked between entries only;
// the dispose call itself runs on a context that shutdown does not cancel.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	files, err := r.board.Files()
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", r.board.Name(), err)
	}
	work := context.WithoutCancel(ctx)
	progress := 0
	for _, fb := range files {
		if r.stopping(ctx) {
			break
		}
		if r.processEntry(work, fb) {
			progress++
		}
	}
	if depth, err := r.board.Count(); err == nil {
		metrics.QueueDepth.WithLabelValues(r.board.Name()).Set(float64(depth))
	}
	return progress, nil
}

// processEntry claims and disposes of fb. It reports whether the entry
// left the queue.
func (r *Runner) processEntry(ctx context.Context, fb string) bool {
	msg, meta, err := r.board.Dequeue(fb)
	if errors.Is(err, queue.ErrEntryClaimed) {
		return false
	}
	if err != nil {
		logger.Error(r.prefix()+"Cannot load entry, preserving", "file_base", fb, "error", err)
		if ferr := r.board.Finish(fb, true); ferr != nil {
			logger.Error(r.prefix()+"Failed to preserve entry", "file_base", fb, "error", ferr)
		}
		metrics.RunnerMessagesTotal.WithLabelValues(r.name, "error").Inc()
		return true
	}

	var list *mlist.MailingList
	if id := meta.String(consts.MetaListID); id != "" {
		l, ok := r.lists.Get(id)
		if !ok {
			logger.Error(r.prefix()+"Dropping message for non-existent list", "list_id", id, "message_id", msg.LogID())
			r.finish(fb, false)
			metrics.RunnerMessagesTotal.WithLabelValues(r.name, "unknown_list").Inc()
			return true
		}
		list = l
	}

	start := time.Now()
	requeue, err := r.dispose(ctx, list, msg, meta)
	metrics.RunnerProcessDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, context.Canceled):
		// Interrupted, not failed: the entry goes back untouched.
		logger.Warn(r.prefix()+"Dispose interrupted, releasing entry", "file_base", fb, "message_id", msg.LogID())
		r.release(fb)
		metrics.RunnerMessagesTotal.WithLabelValues(r.name, "released").Inc()
		return false
	case err != nil:
		r.shunt(fb, msg, meta, err)
		metrics.RunnerMessagesTotal.WithLabelValues(r.name, "shunted").Inc()
		return true
	case requeue:
		if newFB, err := r.board.Requeue(fb, msg, meta); err != nil {
			if newFB == "" {
				logger.Error(r.prefix()+"Failed to requeue entry, releasing", "file_base", fb, "error", err)
				r.release(fb)
			} else {
				logger.Error(r.prefix()+"Requeued entry but failed to finish the old one", "file_base", fb, "error", err)
			}
		}
		metrics.RunnerMessagesTotal.WithLabelValues(r.name, "requeued").Inc()
		return false
	default:
		r.finish(fb, false)
		metrics.RunnerMessagesTotal.WithLabelValues(r.name, "processed").Inc()
		return true
	}
}

// dispose turns a panic in the disposer into an error so the entry is
// shunted instead of taking the runner down.
func (r *Runner) dispose(ctx context.Context, list *mlist.MailingList, msg *email.Message, meta email.Metadata) (requeue bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.disposer.Dispose(ctx, list, msg, meta)
}

func (r *Runner) shunt(fb string, msg *email.Message, meta email.Metadata, cause error) {
	logger.Error(r.prefix()+"Shunting entry", "queue", r.board.Name(), "file_base", fb,
		"message_id", msg.LogID(), "error", cause)
	meta[consts.MetaWhichQ] = r.board.Name()
	if _, err := r.queues.Enqueue(consts.QueueShunt, msg, meta); err != nil {
		logger.Error(r.prefix()+"Failed to shunt entry, preserving", "file_base", fb, "error", err)
		r.finish(fb, true)
		return
	}
	r.finish(fb, false)
}

// release puts a claimed entry back in the queue, preserving it when even
// that fails so that it is never left claimed.
func (r *Runner) release(fb string) {
	if err := r.board.Release(fb); err != nil {
		logger.Error(r.prefix()+"Failed to release entry, preserving", "file_base", fb, "error", err)
		r.finish(fb, true)
	}
}

func (r *Runner) finish(fb string, preserve bool) {
	if err := r.board.Finish(fb, preserve); err != nil {
		logger.Error(r.prefix()+"Failed to finish entry", "file_base", fb, "error", err)
	}
}

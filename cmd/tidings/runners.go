package main

import (
	"context"
	"fmt"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/runner"
	"github.com/migadu/tidings/server/delivery"
	"github.com/migadu/tidings/storage"
)

// Runners drain these queues; nntp and bounces are accepted but not
// processed.
var runnerQueues = []string{
	consts.QueueIn,
	consts.QueuePipeline,
	consts.QueueVirgin,
	consts.QueueOut,
	consts.QueueCommand,
	consts.QueueArchive,
	consts.QueueDigest,
}

func newDisposer(ctx context.Context, deps *serverDependencies, name string) (runner.Disposer, error) {
	cfg := deps.config
	switch name {
	case consts.QueueIn:
		return runner.NewIncoming(deps.registry), nil
	case consts.QueuePipeline:
		return runner.NewPipeline(deps.registry), nil
	case consts.QueueVirgin:
		return runner.NewVirgin(deps.registry), nil
	case consts.QueueOut:
		transport, err := delivery.NewSMTPTransport(cfg.Delivery, deps.hostname)
		if err != nil {
			return nil, err
		}
		deps.health.RegisterCircuitBreakerCheck("smtp", transport.CircuitBreaker)
		return runner.NewOutgoing(transport, cfg.Delivery)
	case consts.QueueCommand:
		return runner.NewCommand(deps.workflows, deps.notifier, cfg.Site.GetCommandMaxLines()), nil
	case consts.QueueArchive:
		archiver, err := storage.NewArchiver(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		return runner.NewArchive(archiver), nil
	case consts.QueueDigest:
		return runner.NewDigest(deps.store, deps.store, deps.lists, deps.catalog, deps.notifier, deps.hostname), nil
	}
	return nil, fmt.Errorf("no runner for queue %q", name)
}

// buildRunners creates one runner per configured instance. Instances of
// the same kind share one disposer and drain disjoint hash slices.
func buildRunners(ctx context.Context, deps *serverDependencies) ([]*runner.Runner, error) {
	var runners []*runner.Runner
	for _, name := range runnerQueues {
		rcfg := deps.config.Runner(name)
		if !rcfg.IsEnabled() {
			logger.Info("Runner disabled", "queue", name)
			continue
		}
		disposer, err := newDisposer(ctx, deps, name)
		if err != nil {
			return nil, fmt.Errorf("runner %s: %w", name, err)
		}
		board, err := deps.queues.Get(name)
		if err != nil {
			return nil, err
		}

		count := rcfg.GetInstances()
		for slice := 0; slice < count; slice++ {
			sb, err := deps.queues.Slice(name, slice, count)
			if err != nil {
				return nil, err
			}
			runnerName := name
			if count > 1 {
				runnerName = fmt.Sprintf("%s:%d/%d", name, slice, count)
			}
			r, err := runner.New(runnerName, sb, deps.lists, disposer, deps.queues, rcfg)
			if err != nil {
				return nil, err
			}
			board.Subscribe(r.Notify)
			runners = append(runners, r)
		}
	}
	return runners, nil
}

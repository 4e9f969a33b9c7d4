package metrics

import (
	"context"
	"time"

	"github.com/migadu/tidings/logger"
)

// Stats is the slow-moving state sampled from the database.
type Stats struct {
	Members int64
	Pending int64
	Held    int64
}

type StatsProvider interface {
	GetStats(ctx context.Context) (*Stats, error)
}

// DepthProvider reports the number of waiting entries per queue.
type DepthProvider interface {
	Depths() (map[string]int, error)
}

// Collector periodically refreshes gauges that are expensive to keep live.
type Collector struct {
	provider StatsProvider
	queues   DepthProvider
	interval time.Duration
	stopCh   chan struct{}
}

func NewCollector(provider StatsProvider, queues DepthProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider: provider,
		queues:   queues,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	if c.provider != nil {
		stats, err := c.provider.GetStats(ctx)
		if err != nil {
			logger.Error("MetricsCollector: error collecting database stats", "error", err)
		} else {
			MembersTotal.Set(float64(stats.Members))
			PendingEntries.Set(float64(stats.Pending))
			HeldMessages.Set(float64(stats.Held))
		}
	}
	if c.queues != nil {
		depths, err := c.queues.Depths()
		if err != nil {
			logger.Error("MetricsCollector: error collecting queue depths", "error", err)
			return
		}
		for name, n := range depths {
			QueueDepth.WithLabelValues(name).Set(float64(n))
		}
	}
}

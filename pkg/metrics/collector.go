package metrics

import (
	"context"
	"time"

	"github.com/migadu/sift/logger"
)

// StoreStats holds aggregate statistics read from the message store.
type StoreStats struct {
	MessagesPerFolder map[string]int64
	TotalRuns         int64
}

// StatsProvider is implemented by the message store.
type StatsProvider interface {
	Stats(ctx context.Context) (*StoreStats, error)
}

// Collector periodically refreshes store-backed gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.Stats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting store metrics", "error", err)
		return
	}

	MessagesStored.Reset()
	var total int64
	for folder, n := range stats.MessagesPerFolder {
		MessagesStored.WithLabelValues(folder).Set(float64(n))
		total += n
	}
	FilterRunsTotal.Set(float64(stats.TotalRuns))

	logger.Debug("MetricsCollector: updated store metrics", "messages", total,
		"folders", len(stats.MessagesPerFolder), "runs", stats.TotalRuns)
}

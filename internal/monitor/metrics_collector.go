package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/executor"
	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/scheduler"
)

const defaultCollectInterval = 10 * time.Second

// LoadSource reports the scheduler's current load
type LoadSource interface {
	ActiveTasks() []string
	Summary() scheduler.Summary
}

// MetricsPublisher publishes host snapshots
type MetricsPublisher interface {
	PublishMetrics(ctx context.Context, snapshot interface{}) error
}

// MetricsCollector periodically snapshots host and scheduler load
type MetricsCollector struct {
	logger     *zap.Logger
	source     LoadSource
	publisher  MetricsPublisher
	interval   time.Duration
	sampleHost func() (float64, float64)

	mu     sync.RWMutex
	latest *model.HostStats

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. publisher may be nil.
func NewMetricsCollector(source LoadSource, publisher MetricsPublisher, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = defaultCollectInterval
	}
	logger = logger.Named("metrics-collector")
	return &MetricsCollector{
		logger:    logger,
		source:    source,
		publisher: publisher,
		interval:  interval,
		sampleHost: func() (float64, float64) {
			return executor.SampleHost(logger)
		},
		stop: make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	c.wg.Add(1)
	go c.collectLoop(ctx)
}

// Stop stops the collection loop and waits for it to exit
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one snapshot, stores it as the latest and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) *model.HostStats {
	cpuUsage, memUsage := c.sampleHost()
	active := c.source.ActiveTasks()
	summary := c.source.Summary()

	stats := &model.HostStats{
		ActiveTasks: len(active),
		ActiveNames: active,
		CPUUsage:    cpuUsage,
		MemoryUsage: memUsage,
		HistorySize: summary.TotalAttempts,
		SuccessRate: summary.SuccessRate,
		CollectedAt: time.Now(),
	}

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()

	if c.publisher != nil {
		if err := c.publisher.PublishMetrics(ctx, stats); err != nil {
			c.logger.Error("Failed to publish metrics", zap.Error(err))
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage),
		zap.Int("active_tasks", stats.ActiveTasks),
		zap.Int("history_size", stats.HistorySize))

	return stats
}

// Latest returns the most recent snapshot, or nil before the first collection
func (c *MetricsCollector) Latest() *model.HostStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil
	}
	stats := *c.latest
	return &stats
}

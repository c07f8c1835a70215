package telemetry

import (
	"sync"
	"time"
)

// QueueStatsProvider reports delivery queue occupancy
type QueueStatsProvider interface {
	QueueStats() (queued, maxDepth int)
}

// MetricsCollector periodically samples queue stats and updates telemetry gauges
type MetricsCollector struct {
	provider QueueStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider QueueStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	queued, maxDepth := mc.provider.QueueStats()
	QueuedEvents.Set(float64(queued))
	QueueDepthMax.Set(float64(maxDepth))
}

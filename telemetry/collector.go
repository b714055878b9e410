package telemetry

import (
	"sync"
	"time"
)

// JobStatusProvider reports how many jobs are in each status.
type JobStatusProvider interface {
	StatusCounts() map[string]int
}

// MetricsCollector periodically collects job stats and updates telemetry gauges
type MetricsCollector struct {
	provider JobStatusProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider JobStatusProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
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

	counts := mc.provider.StatusCounts()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	// Statuses that emptied out since the last round must drop to zero
	for status := range mc.seen {
		if _, ok := counts[status]; !ok {
			Jobs.With(status).Set(0)
		}
	}
	for status, n := range counts {
		Jobs.With(status).Set(float64(n))
		mc.seen[status] = struct{}{}
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/flymesh/internal/logging"
	"grimm.is/flymesh/internal/registry"
)

// Collector polls the registry and keeps the fleet gauges current. It
// also implements events.Instrumentation so the bus can count
// publications and handler failures.
type Collector struct {
	store    *registry.Store
	logger   *logging.Logger
	interval time.Duration
	started  time.Time
	stopCh   chan struct{}

	// Cached snapshot for API access
	mu         sync.RWMutex
	lastUpdate time.Time
	stats      *registry.NetworkStats
}

// NewCollector creates a collector polling at the given interval.
func NewCollector(store *registry.Store, logger *logging.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		store:    store,
		logger:   logger,
		interval: interval,
		started:  time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// EventPublished counts one bus publication.
func (c *Collector) EventPublished(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

// HandlerFailed counts a handler that exhausted its retries.
func (c *Collector) HandlerFailed(eventType, handler string) {
	HandlerFailures.WithLabelValues(eventType, handler).Inc()
}

// Start begins the collection loop. Blocks until Stop.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop ends the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.store.NetworkStats(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect fleet stats", "error", err)
		return
	}

	// A status that drained to zero must not keep its old gauge value.
	for _, status := range []registry.NodeStatus{
		registry.StatusPending,
		registry.StatusActive,
		registry.StatusSuspended,
		registry.StatusRevoked,
	} {
		NodesByStatus.WithLabelValues(string(status)).Set(float64(stats.NodesByStatus[string(status)]))
	}
	PoolUsed.Set(float64(stats.UsedAddresses))
	PoolFree.Set(float64(stats.FreeAddresses))
	ClientDevices.Set(float64(stats.ClientDevices))
	Uptime.Set(time.Since(c.started).Seconds())

	c.mu.Lock()
	c.stats = stats
	c.lastUpdate = time.Now()
	c.mu.Unlock()
}

// Snapshot returns the most recent fleet stats, nil before the first
// collection completes.
func (c *Collector) Snapshot() *registry.NetworkStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stats == nil {
		return nil
	}
	copy := *c.stats
	return &copy
}

// LastUpdate returns the timestamp of the last successful collection.
func (c *Collector) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

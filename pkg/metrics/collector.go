package metrics

import (
	"context"
	"time"

	"github.com/drovergrid/drover/pkg/storage"
	"github.com/drovergrid/drover/pkg/types"
)

// taskStatuses and folderStatuses enumerate every gauge label so
// series that drop to zero are written as zero instead of going stale.
var taskStatuses = []types.TaskStatus{
	types.TaskStatusPending,
	types.TaskStatusRunning,
	types.TaskStatusCompleted,
	types.TaskStatusFailed,
	types.TaskStatusCancelled,
}

var folderStatuses = []types.FolderStatus{
	types.FolderStatusPending,
	types.FolderStatusInProgress,
	types.FolderStatusCompleted,
	types.FolderStatusFailed,
}

// Collector periodically samples entity counts from the store into the
// fleet gauges.
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector sampling at the given interval.
// Intervals below one second fall back to 15 seconds.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval < time.Second {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		return
	}

	NodesTotal.WithLabelValues("true").Set(float64(stats.NodesAvailable))
	NodesTotal.WithLabelValues("false").Set(float64(stats.NodesUnavailable))

	for _, status := range taskStatuses {
		TasksTotal.WithLabelValues(string(status)).Set(float64(stats.TasksByStatus[status]))
	}

	LocksHeld.Set(float64(stats.LocksHeld))

	for _, status := range folderStatuses {
		FolderRowsTotal.WithLabelValues(string(status)).Set(float64(stats.FoldersByStatus[status]))
	}
}

package di

import (
	"fmt"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/rs/zerolog"
)

// walCheckpointSchedule runs the WAL maintenance job hourly
const walCheckpointSchedule = "@hourly"

// RegisterJobs creates the background jobs and registers them with the
// container's scheduler
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil || container.Scheduler == nil {
		return nil, fmt.Errorf("container has no scheduler")
	}

	instances := &JobInstances{}

	// Job 1: refresh the configured universe from Yahoo
	syncPrices := scheduler.NewSyncPricesJob(container.SyncService, cfg.DefaultUniverse, scheduler.DefaultSyncTimeout)
	syncPrices.SetLogger(log)
	if err := container.Scheduler.AddJob(cfg.PriceSyncSchedule, syncPrices); err != nil {
		return nil, fmt.Errorf("failed to register sync_prices job: %w", err)
	}
	instances.SyncPrices = syncPrices

	// Job 2: keep the WAL file from growing unbounded
	walJob := scheduler.NewCheckWALCheckpointsJob(container.PricesDB)
	walJob.SetLogger(log)
	if err := container.Scheduler.AddJob(walCheckpointSchedule, walJob); err != nil {
		return nil, fmt.Errorf("failed to register %s job: %w", walJob.Name(), err)
	}
	instances.WALCheckpoints = walJob

	return instances, nil
}

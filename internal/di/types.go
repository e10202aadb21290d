/**
 * Package di provides dependency injection type definitions.
 *
 * This package defines the Container type which holds all application dependencies.
 * The Container is the single source of truth for all service instances and is
 * passed to the server and the scheduler.
 */
package di

import (
	"github.com/aristath/allocator/internal/clients/yahoo"
	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/metrics"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/universe"
	"github.com/aristath/allocator/internal/scheduler"
)

// Container holds all application dependencies
type Container struct {
	// Databases
	PricesDB *database.DB

	// Repositories
	HistoryDB *universe.HistoryDB

	// Clients
	YahooClient *yahoo.Client

	// Services
	PriceValidator   *universe.PriceValidator
	SyncService      *universe.HistoricalSyncService
	OptimizerService *optimization.OptimizerService
	Metrics          *metrics.Registry

	// Background work
	Scheduler *scheduler.Scheduler
}

// JobInstances holds the registered jobs so they can be triggered manually
type JobInstances struct {
	SyncPrices     *scheduler.SyncPricesJob
	WALCheckpoints *scheduler.CheckWALCheckpointsJob
}

// Close releases the container's resources
func (c *Container) Close() error {
	if c.PricesDB != nil {
		return c.PricesDB.Close()
	}
	return nil
}

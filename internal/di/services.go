package di

import (
	"fmt"

	"github.com/aristath/allocator/internal/clients/yahoo"
	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/metrics"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/universe"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/rs/zerolog"
)

// InitializeServices creates repositories, clients and services in
// dependency order
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.PricesDB == nil {
		return fmt.Errorf("container has no prices database")
	}

	container.Metrics = metrics.New()

	container.HistoryDB = universe.NewHistoryDB(container.PricesDB.Conn(), log)

	container.YahooClient = yahoo.NewClient(yahoo.Config{
		BaseURL:     cfg.Yahoo.BaseURL,
		RateLimit:   cfg.Yahoo.RateLimit,
		Concurrency: cfg.Yahoo.Concurrency,
		Range:       cfg.Yahoo.Range,
		Interval:    cfg.Yahoo.Interval,
	}, log)

	container.PriceValidator = universe.NewPriceValidator(log)
	container.SyncService = universe.NewHistoricalSyncService(
		container.YahooClient,
		container.HistoryDB,
		container.PriceValidator,
		log,
	)

	// The optimizer reads prices and market caps from the same store
	container.OptimizerService = optimization.NewOptimizerService(container.HistoryDB, container.HistoryDB, log)

	container.Scheduler = scheduler.New(container.Metrics, log)

	log.Debug().Msg("Services initialized")
	return nil
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSyncTimeout bounds one scheduled price refresh
const DefaultSyncTimeout = 10 * time.Minute

// SyncPricesJob refreshes stored prices for a fixed universe
type SyncPricesJob struct {
	log     zerolog.Logger
	syncer  PriceSyncerInterface
	symbols []string
	timeout time.Duration
}

// NewSyncPricesJob creates a new SyncPricesJob
func NewSyncPricesJob(syncer PriceSyncerInterface, symbols []string, timeout time.Duration) *SyncPricesJob {
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	return &SyncPricesJob{
		log:     zerolog.Nop(),
		syncer:  syncer,
		symbols: symbols,
		timeout: timeout,
	}
}

// SetLogger sets the logger for the job
func (j *SyncPricesJob) SetLogger(log zerolog.Logger) {
	j.log = log.With().Str("job", j.Name()).Logger()
}

// Name returns the job name
func (j *SyncPricesJob) Name() string {
	return "sync_prices"
}

// Run executes the sync prices job
func (j *SyncPricesJob) Run() error {
	if j.syncer == nil {
		return fmt.Errorf("price syncer not available")
	}
	if len(j.symbols) == 0 {
		j.log.Debug().Msg("No symbols configured, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	report, err := j.syncer.Sync(ctx, j.symbols)
	if err != nil {
		return fmt.Errorf("price sync failed: %w", err)
	}

	for symbol, reason := range report.Failed {
		j.log.Warn().Str("symbol", symbol).Str("reason", reason).Msg("Symbol not refreshed")
	}
	return nil
}

package universe

import (
	"context"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
)

// MarketDataFetcher fetches price histories and market caps from a remote
// source. Implemented by the yahoo client.
type MarketDataFetcher interface {
	GetHistories(ctx context.Context, symbols []string) (optimization.PriceSeries, map[string]error)
	GetMarketCaps(ctx context.Context, symbols []string) (map[string]float64, error)
}

// HistoryStore is the persistence contract of the sync service.
type HistoryStore interface {
	UpsertPrices(symbol string, points []optimization.PricePoint) (int, error)
	UpsertMarketCaps(caps map[string]float64, at time.Time) error
	RecordSyncRun(run SyncRun) (int64, error)
}

// Compile-time check that HistoryDB implements the store and optimizer sources
var (
	_ HistoryStore                 = (*HistoryDB)(nil)
	_ optimization.PriceSource     = (*HistoryDB)(nil)
	_ optimization.MarketCapSource = (*HistoryDB)(nil)
)

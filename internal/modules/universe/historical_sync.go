package universe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// SyncReport summarises one refresh.
type SyncReport struct {
	Run          SyncRun           `json:"run"`
	Failed       map[string]string `json:"failed,omitempty"`
	Interpolated int               `json:"interpolated"`
	MarketCaps   int               `json:"market_caps"`
}

// HistoricalSyncService refreshes stored close prices and market caps.
type HistoricalSyncService struct {
	fetcher   MarketDataFetcher
	store     HistoryStore
	validator *PriceValidator
	now       func() time.Time
	log       zerolog.Logger
}

// NewHistoricalSyncService creates a new historical sync service.
func NewHistoricalSyncService(fetcher MarketDataFetcher, store HistoryStore, validator *PriceValidator, log zerolog.Logger) *HistoricalSyncService {
	return &HistoricalSyncService{
		fetcher:   fetcher,
		store:     store,
		validator: validator,
		now:       time.Now,
		log:       log.With().Str("service", "historical_sync").Logger(),
	}
}

// Sync fetches and stores the history of every symbol. Per-symbol failures
// are reported, not returned; the error is non-nil only when nothing could
// be fetched or the store failed.
//
// Workflow:
// 1. Fetch histories concurrently
// 2. Validate and repair abnormal closes
// 3. Upsert daily_prices per symbol
// 4. Refresh market caps (best effort)
// 5. Record the run in sync_runs
func (s *HistoricalSyncService) Sync(ctx context.Context, symbols []string) (*SyncReport, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to sync")
	}
	started := s.now()
	s.log.Info().Int("symbols", len(symbols)).Msg("Starting price sync")

	series, failures := s.fetcher.GetHistories(ctx, symbols)
	report := &SyncReport{Failed: make(map[string]string, len(failures))}
	for symbol, err := range failures {
		report.Failed[symbol] = err.Error()
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("failed to fetch any of %d symbols", len(symbols))
	}

	fetched := make([]string, 0, len(series))
	for symbol := range series {
		fetched = append(fetched, symbol)
	}
	sort.Strings(fetched)

	rows := 0
	for i, symbol := range fetched {
		points := series[symbol]
		sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
		if s.validator != nil {
			var logs []InterpolationLog
			points, logs = s.validator.ValidateAndInterpolate(symbol, points)
			report.Interpolated += len(logs)
		}

		n, err := s.store.UpsertPrices(symbol, points)
		if err != nil {
			// Symbols stored so far stay committed; the run is recorded with
			// every unstored symbol counted as failed.
			unstored := len(fetched) - i
			s.recordRun(report, SyncRun{
				StartedAt:   started,
				FinishedAt:  s.now(),
				Symbols:     len(symbols),
				Failed:      len(failures) + unstored,
				RowsWritten: rows,
			})
			return nil, fmt.Errorf("failed to store prices for %s: %w", symbol, err)
		}
		rows += n
	}

	caps, err := s.fetcher.GetMarketCaps(ctx, fetched)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to refresh market caps, keeping stored values")
	} else {
		if err := s.store.UpsertMarketCaps(caps, s.now()); err != nil {
			return nil, fmt.Errorf("failed to store market caps: %w", err)
		}
		report.MarketCaps = len(caps)
	}

	s.recordRun(report, SyncRun{
		StartedAt:   started,
		FinishedAt:  s.now(),
		Symbols:     len(symbols),
		Failed:      len(failures),
		RowsWritten: rows,
	})

	s.log.Info().
		Int("symbols", len(symbols)).
		Int("failed", len(failures)).
		Int("rows", rows).
		Int("interpolated", report.Interpolated).
		Int("market_caps", report.MarketCaps).
		Dur("duration", report.Run.FinishedAt.Sub(started)).
		Msg("Price sync complete")

	return report, nil
}

func (s *HistoricalSyncService) recordRun(report *SyncReport, run SyncRun) {
	id, err := s.store.RecordSyncRun(run)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to record sync run")
	}
	run.ID = id
	report.Run = run
}

package universe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) GetHistories(ctx context.Context, symbols []string) (optimization.PriceSeries, map[string]error) {
	args := m.Called(ctx, symbols)
	return args.Get(0).(optimization.PriceSeries), args.Get(1).(map[string]error)
}

func (m *mockFetcher) GetMarketCaps(ctx context.Context, symbols []string) (map[string]float64, error) {
	args := m.Called(ctx, symbols)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]float64), args.Error(1)
}

func fixedClock() func() time.Time {
	t := day(2024, 3, 1)
	return func() time.Time { return t }
}

func TestHistoricalSync_Sync(t *testing.T) {
	store := setupHistoryDB(t)
	fetcher := new(mockFetcher)
	ctx := context.Background()

	fetcher.On("GetHistories", ctx, []string{"AAPL", "MSFT", "BAD"}).Return(
		optimization.PriceSeries{
			"AAPL": weeklyPoints(100, 102, 5000, 104),
			"MSFT": weeklyPoints(50, 51, 52),
		},
		map[string]error{"BAD": errors.New("unexpected status 404")},
	)
	fetcher.On("GetMarketCaps", ctx, []string{"AAPL", "MSFT"}).Return(map[string]float64{"AAPL": 3e12, "MSFT": 2.8e12}, nil)

	svc := NewHistoricalSyncService(fetcher, store, NewPriceValidator(zerolog.Nop()), zerolog.Nop())
	svc.now = fixedClock()

	report, err := svc.Sync(ctx, []string{"AAPL", "MSFT", "BAD"})
	require.NoError(t, err)
	fetcher.AssertExpectations(t)

	assert.Equal(t, 7, report.Run.RowsWritten)
	assert.Equal(t, 3, report.Run.Symbols)
	assert.Equal(t, 1, report.Run.Failed)
	assert.Equal(t, 1, report.Interpolated)
	assert.Equal(t, 2, report.MarketCaps)
	assert.Contains(t, report.Failed["BAD"], "404")
	assert.NotZero(t, report.Run.ID)

	caps, err := store.LoadMarketCaps([]string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Len(t, caps, 2)

	series, err := store.LoadPrices([]string{"AAPL"}, time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 103.0, series["AAPL"][2].Close, 1e-9)

	last, err := store.LastSyncRun()
	require.NoError(t, err)
	assert.Equal(t, report.Run.ID, last.ID)
}

func TestHistoricalSync_MarketCapFailureIsNotFatal(t *testing.T) {
	store := setupHistoryDB(t)
	fetcher := new(mockFetcher)
	ctx := context.Background()

	fetcher.On("GetHistories", ctx, []string{"AAPL"}).Return(
		optimization.PriceSeries{"AAPL": weeklyPoints(100, 101)},
		map[string]error{},
	)
	fetcher.On("GetMarketCaps", ctx, []string{"AAPL"}).Return(nil, errors.New("quote endpoint down"))

	svc := NewHistoricalSyncService(fetcher, store, nil, zerolog.Nop())
	report, err := svc.Sync(ctx, []string{"AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Run.RowsWritten)
	assert.Zero(t, report.MarketCaps)
}

func TestHistoricalSync_Errors(t *testing.T) {
	store := setupHistoryDB(t)
	fetcher := new(mockFetcher)
	ctx := context.Background()
	svc := NewHistoricalSyncService(fetcher, store, nil, zerolog.Nop())

	_, err := svc.Sync(ctx, nil)
	assert.Error(t, err)

	fetcher.On("GetHistories", ctx, []string{"X"}).Return(
		optimization.PriceSeries{},
		map[string]error{"X": errors.New("boom")},
	)
	_, err = svc.Sync(ctx, []string{"X"})
	assert.ErrorContains(t, err, "failed to fetch any")
	fetcher.AssertNotCalled(t, "GetMarketCaps", mock.Anything, mock.Anything)
}

// failingStore fails UpsertPrices for one symbol and delegates the rest.
type failingStore struct {
	*HistoryDB
	failOn string
}

func (f *failingStore) UpsertPrices(symbol string, points []optimization.PricePoint) (int, error) {
	if symbol == f.failOn {
		return 0, errors.New("disk I/O error")
	}
	return f.HistoryDB.UpsertPrices(symbol, points)
}

func TestHistoricalSync_StoreFailureRecordsRun(t *testing.T) {
	db := setupHistoryDB(t)
	fetcher := new(mockFetcher)
	ctx := context.Background()

	fetcher.On("GetHistories", ctx, []string{"AAPL", "MSFT", "NVDA"}).Return(
		optimization.PriceSeries{
			"AAPL": weeklyPoints(100, 101, 102),
			"MSFT": weeklyPoints(50, 51),
			"NVDA": weeklyPoints(400, 410),
		},
		map[string]error{},
	)

	svc := NewHistoricalSyncService(fetcher, &failingStore{HistoryDB: db, failOn: "MSFT"}, nil, zerolog.Nop())
	svc.now = fixedClock()

	_, err := svc.Sync(ctx, []string{"AAPL", "MSFT", "NVDA"})
	assert.ErrorContains(t, err, "failed to store prices for MSFT")
	fetcher.AssertNotCalled(t, "GetMarketCaps", mock.Anything, mock.Anything)

	last, err := db.LastSyncRun()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 3, last.Symbols)
	assert.Equal(t, 2, last.Failed)
	assert.Equal(t, 3, last.RowsWritten)

	// AAPL sorted first and stays committed
	series, err := db.LoadPrices([]string{"AAPL", "NVDA"}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, series["AAPL"], 3)
	assert.Empty(t, series["NVDA"])
}

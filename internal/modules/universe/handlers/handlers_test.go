package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/universe"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	series  optimization.PriceSeries
	caps    map[string]float64
	lastRun *universe.SyncRun
	err     error
}

func (f *fakeStore) LoadPrices(symbols []string, since time.Time) (optimization.PriceSeries, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := optimization.PriceSeries{}
	for _, s := range symbols {
		for _, p := range f.series[s] {
			if !p.Date.Before(since) {
				out[s] = append(out[s], p)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) LoadMarketCaps(symbols []string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, s := range symbols {
		if c, ok := f.caps[s]; ok {
			out[s] = c
		}
	}
	return out, f.err
}

func (f *fakeStore) Symbols() ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for s := range f.series {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) LastSyncRun() (*universe.SyncRun, error) {
	return f.lastRun, f.err
}

type fakeSyncer struct {
	got []string
	err error
}

func (f *fakeSyncer) Sync(ctx context.Context, symbols []string) (*universe.SyncReport, error) {
	f.got = symbols
	if f.err != nil {
		return nil, f.err
	}
	return &universe.SyncReport{Run: universe.SyncRun{ID: 7, Symbols: len(symbols)}}, nil
}

func newRouter(store PriceStore, syncer Syncer) chi.Router {
	h := NewHandler(store, syncer, []string{"AAPL", "MSFT"}, zerolog.Nop())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func testStore() *fakeStore {
	jan := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	return &fakeStore{
		series: optimization.PriceSeries{
			"AAPL": {{Date: jan(1), Close: 100}, {Date: jan(8), Close: 101}},
		},
		caps: map[string]float64{"AAPL": 3e12},
	}
}

func TestHandleGetPrices(t *testing.T) {
	r := newRouter(testStore(), nil)

	rec := serve(r, http.MethodGet, "/universe/prices/aapl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Symbol string                    `json:"symbol"`
		Prices []optimization.PricePoint `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AAPL", body.Symbol)
	assert.Len(t, body.Prices, 2)

	rec = serve(r, http.MethodGet, "/universe/prices/AAPL?since=2024-01-05", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Prices, 1)

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/universe/prices/AAPL?since=yesterday", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/universe/prices/ZZZ", "").Code)
}

func TestHandleGetSymbolsAndDefault(t *testing.T) {
	r := newRouter(testStore(), nil)

	rec := serve(r, http.MethodGet, "/universe/symbols", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"symbols":["AAPL"],"count":1}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/universe/default", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"symbols":["AAPL","MSFT"]}`, rec.Body.String())

	rec = serve(r, http.MethodGet, "/universe/market-caps?symbols=aapl,goog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"market_caps":{"AAPL":3000000000000}}`, rec.Body.String())
}

func TestHandleLastSync(t *testing.T) {
	store := testStore()
	r := newRouter(store, nil)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/universe/sync", "").Code)

	store.lastRun = &universe.SyncRun{ID: 3, RowsWritten: 12}
	rec := serve(r, http.MethodGet, "/universe/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rows_written":12`)
}

func TestHandleSync(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		r := newRouter(testStore(), nil)
		assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodPost, "/universe/sync", "").Code)
	})

	t.Run("default universe", func(t *testing.T) {
		syncer := &fakeSyncer{}
		r := newRouter(testStore(), syncer)
		rec := serve(r, http.MethodPost, "/universe/sync", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"AAPL", "MSFT"}, syncer.got)
	})

	t.Run("explicit symbols", func(t *testing.T) {
		syncer := &fakeSyncer{}
		r := newRouter(testStore(), syncer)
		rec := serve(r, http.MethodPost, "/universe/sync", `{"symbols":[" spy","qqq"]}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"SPY", "QQQ"}, syncer.got)
	})

	t.Run("bad body", func(t *testing.T) {
		r := newRouter(testStore(), &fakeSyncer{})
		assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/universe/sync", `{"symbols":`).Code)
	})

	t.Run("upstream failure", func(t *testing.T) {
		r := newRouter(testStore(), &fakeSyncer{err: errors.New("yahoo down")})
		rec := serve(r, http.MethodPost, "/universe/sync", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "yahoo down")
	})
}

func TestStoreErrors(t *testing.T) {
	store := testStore()
	store.err = errors.New("disk on fire")
	r := newRouter(store, nil)

	assert.Equal(t, http.StatusInternalServerError, serve(r, http.MethodGet, "/universe/symbols", "").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(r, http.MethodGet, "/universe/prices/AAPL", "").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(r, http.MethodGet, "/universe/sync", "").Code)
}

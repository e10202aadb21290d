package yahoo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chartBody = `{"chart":{"result":[{"timestamp":[1704067200,1704672000,1705276800,1705881600],
"indicators":{"quote":[{"close":[100.0,null,0,104.5]}]}}],"error":null}}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{BaseURL: server.URL, RateLimit: 1000, Concurrency: 2}, zerolog.Nop())
}

func TestGetHistory(t *testing.T) {
	var gotPath, gotQuery, gotUA string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, chartBody)
	})

	points, err := client.GetHistory(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "/v8/finance/chart/AAPL", gotPath)
	assert.Contains(t, gotQuery, "interval=1wk")
	assert.Contains(t, gotQuery, "range=1y")
	assert.NotEmpty(t, gotUA)

	// null and zero closes are skipped
	require.Len(t, points, 2)
	assert.Equal(t, 100.0, points[0].Close)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), points[0].Date)
	assert.Equal(t, 104.5, points[1].Close)
}

func TestGetHistory_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error", http.StatusNotFound, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`, "unexpected status 404"},
		{"yahoo error payload", http.StatusOK, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`, "No data found"},
		{"empty result", http.StatusOK, `{"chart":{"result":[],"error":null}}`, ErrNoData.Error()},
		{"all closes missing", http.StatusOK, `{"chart":{"result":[{"timestamp":[1],"indicators":{"quote":[{"close":[null]}]}}]}}`, ErrNoData.Error()},
		{"malformed", http.StatusOK, `{"chart":`, "failed to parse response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := client.GetHistory(context.Background(), "NOPE")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetHistories_PartialFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/BAD") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, chartBody)
	})

	series, failed := client.GetHistories(context.Background(), []string{"AAPL", "BAD", "MSFT"})

	assert.Len(t, series, 2)
	assert.Contains(t, series, "AAPL")
	assert.Contains(t, series, "MSFT")
	require.Len(t, failed, 1)
	assert.Error(t, failed["BAD"])
}

func TestGetMarketCaps(t *testing.T) {
	var gotSymbols string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v7/finance/quote", r.URL.Path)
		gotSymbols = r.URL.Query().Get("symbols")
		fmt.Fprint(w, `{"quoteResponse":{"result":[
			{"symbol":"AAPL","marketCap":3000000000000},
			{"symbol":"MSFT","marketCap":2800000000000},
			{"symbol":"ETF","marketCap":0}],"error":null}}`)
	})

	caps, err := client.GetMarketCaps(context.Background(), []string{"AAPL", "MSFT", "ETF"})
	require.NoError(t, err)

	assert.Equal(t, "AAPL,MSFT,ETF", gotSymbols)
	assert.Equal(t, map[string]float64{"AAPL": 3e12, "MSFT": 2.8e12}, caps)

	empty, err := client.GetMarketCaps(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, err := client.GetHistory(context.Background(), "AAPL")
		assert.Error(t, err)
	}
	// three consecutive failures trip the breaker, later calls never reach the server
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})

	for i := 0; i < 5; i++ {
		_, err := client.GetHistory(context.Background(), "UNKNOWN")
		assert.Error(t, err)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestCancelledContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chartBody)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetHistory(ctx, "AAPL")
	assert.Error(t, err)
}

func TestGetHistory_CancelledCallerDoesNotFailJoinedCaller(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		fmt.Fprint(w, chartBody)
	})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.GetHistory(ctx, "AAPL")
		firstErr <- err
	}()
	<-started

	type outcome struct {
		points []optimization.PricePoint
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		points, err := client.GetHistory(context.Background(), "AAPL")
		second <- outcome{points, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// The first caller gives up while the shared request is still in flight
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Len(t, res.points, 2)
}

func TestGetHistory_CoalescesConcurrentFetches(t *testing.T) {
	var requests int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		started <- struct{}{}
		<-release
		fmt.Fprint(w, chartBody)
	})

	type outcome struct {
		points int
		err    error
	}
	results := make(chan outcome, 2)
	fetch := func() {
		points, err := client.GetHistory(context.Background(), "AAPL")
		if err == nil && len(points) > 0 {
			// Mutating one caller's copy must not affect the other
			points[0].Close = -1
		}
		results <- outcome{len(points), err}
	}

	go fetch()
	<-started
	go fetch()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		res := <-results
		require.NoError(t, res.err)
		assert.Equal(t, 2, res.points)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))

	// A later call fetches again
	go func() { <-started }()
	points, err := client.GetHistory(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, points[0].Close)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

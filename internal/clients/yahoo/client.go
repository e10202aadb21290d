// Package yahoo fetches close price histories and market capitalisations
// from the Yahoo Finance chart and quote endpoints.
package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const userAgent = "Mozilla/5.0 (compatible; allocator/1.0)"

// ErrNoData is returned when Yahoo answers with an empty series.
var ErrNoData = errors.New("no data returned")

// Config configures the client.
type Config struct {
	BaseURL     string
	RateLimit   float64 // requests per second
	Concurrency int
	Range       string
	Interval    string
	Timeout     time.Duration
}

// Client talks to Yahoo Finance. All requests share one rate limiter and
// one circuit breaker. Concurrent history requests for the same symbol are
// coalesced into one fetch.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	log     zerolog.Logger
}

// NewClient creates a new Yahoo Finance client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://query1.finance.yahoo.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Range == "" {
		cfg.Range = "1y"
	}
	if cfg.Interval == "" {
		cfg.Interval = "1wk"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	l := log.With().Str("client", "yahoo").Logger()
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		breaker: newBreaker("yahoo", l),
		log:     l,
	}
}

// newBreaker trips after three consecutive failures, or when more than 5%
// of at least 20 requests in the window failed.
func newBreaker(name string, log zerolog.Logger) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	// Client errors (unknown symbol, bad request) say nothing about Yahoo's health.
	st.IsSuccessful = func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return se.Code < 500 && se.Code != http.StatusTooManyRequests
		}
		return err == nil
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	return gobreaker.NewCircuitBreaker(st)
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *apiError `json:"error"`
	} `json:"chart"`
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol    string  `json:"symbol"`
			MarketCap float64 `json:"marketCap"`
		} `json:"result"`
		Error *apiError `json:"error"`
	} `json:"quoteResponse"`
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("yahoo error %s: %s", e.Code, e.Description)
}

// GetHistory fetches the close price history of one symbol over the
// configured range and interval. Missing and non-positive closes are skipped.
// When a fetch for symbol is already in flight the caller joins it. The shared
// request is detached from every caller's cancellation and bounded by the
// client timeout; each caller stops waiting when its own ctx is done.
func (c *Client) GetHistory(ctx context.Context, symbol string) ([]optimization.PricePoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, err)
	}
	ch := c.group.DoChan(symbol, func() (interface{}, error) {
		return c.fetchHistory(context.WithoutCancel(ctx), symbol)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.log.Debug().Str("symbol", symbol).Msg("Joined in-flight history fetch")
		}
		// Every caller gets its own copy
		points := res.Val.([]optimization.PricePoint)
		return append([]optimization.PricePoint(nil), points...), nil
	}
}

func (c *Client) fetchHistory(ctx context.Context, symbol string) ([]optimization.PricePoint, error) {
	q := url.Values{}
	q.Set("range", c.cfg.Range)
	q.Set("interval", c.cfg.Interval)
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.cfg.BaseURL, url.PathEscape(symbol), q.Encode())

	var resp chartResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, err)
	}
	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, resp.Chart.Error)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}

	result := resp.Chart.Result[0]
	closes := result.Indicators.Quote[0].Close
	points := make([]optimization.PricePoint, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(closes) || closes[i] == nil || *closes[i] <= 0 {
			continue
		}
		points = append(points, optimization.PricePoint{
			Date:  time.Unix(ts, 0).UTC().Truncate(24 * time.Hour),
			Close: *closes[i],
		})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}

	c.log.Debug().
		Str("symbol", symbol).
		Int("points", len(points)).
		Msg("Fetched price history")
	return points, nil
}

// GetHistories fetches every symbol concurrently. Symbols that fail are
// reported in the returned error map; the series holds the rest.
func (c *Client) GetHistories(ctx context.Context, symbols []string) (optimization.PriceSeries, map[string]error) {
	series := make(optimization.PriceSeries, len(symbols))
	failed := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			points, err := c.GetHistory(gctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[symbol] = err
				return nil
			}
			series[symbol] = points
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		c.log.Warn().
			Int("failed", len(failed)).
			Int("requested", len(symbols)).
			Msg("Some price histories could not be fetched")
	}
	return series, failed
}

// GetMarketCaps fetches the current market capitalisation of symbols in a
// single quote request. Symbols Yahoo does not report are absent.
func (c *Client) GetMarketCaps(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	endpoint := fmt.Sprintf("%s/v7/finance/quote?%s", c.cfg.BaseURL, q.Encode())

	var resp quoteResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch market caps: %w", err)
	}
	if resp.QuoteResponse.Error != nil {
		return nil, fmt.Errorf("failed to fetch market caps: %w", resp.QuoteResponse.Error)
	}

	caps := make(map[string]float64, len(resp.QuoteResponse.Result))
	for _, r := range resp.QuoteResponse.Result {
		if r.MarketCap > 0 {
			caps[r.Symbol] = r.MarketCap
		}
	}
	return caps, nil
}

// getJSON performs a rate-limited GET through the circuit breaker.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

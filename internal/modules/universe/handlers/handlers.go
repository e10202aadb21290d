// Package handlers provides HTTP handlers for the stored price universe.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/aristath/allocator/internal/modules/universe"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// PriceStore is the read side of the price history store.
type PriceStore interface {
	LoadPrices(symbols []string, since time.Time) (optimization.PriceSeries, error)
	LoadMarketCaps(symbols []string) (map[string]float64, error)
	Symbols() ([]string, error)
	LastSyncRun() (*universe.SyncRun, error)
}

// Syncer refreshes stored prices.
type Syncer interface {
	Sync(ctx context.Context, symbols []string) (*universe.SyncReport, error)
}

// Handler handles universe HTTP requests
type Handler struct {
	store           PriceStore
	syncer          Syncer
	defaultUniverse []string
	log             zerolog.Logger
}

// NewHandler creates a new universe handler. syncer may be nil, in which
// case the sync endpoint reports 503.
func NewHandler(store PriceStore, syncer Syncer, defaultUniverse []string, log zerolog.Logger) *Handler {
	return &Handler{
		store:           store,
		syncer:          syncer,
		defaultUniverse: defaultUniverse,
		log:             log.With().Str("handler", "universe").Logger(),
	}
}

// HandleGetDefault returns the configured default universe
func (h *Handler) HandleGetDefault(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": h.defaultUniverse,
	})
}

// HandleGetSymbols returns every symbol with stored prices
func (h *Handler) HandleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.store.Symbols()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

// HandleGetPrices returns the stored history of one symbol.
// Optional query parameter since=YYYY-MM-DD limits the window.
func (h *Handler) HandleGetPrices(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse("2006-01-02", s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid since date, expected YYYY-MM-DD")
			return
		}
		since = parsed
	}

	series, err := h.store.LoadPrices([]string{symbol}, since)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	points, ok := series[symbol]
	if !ok {
		h.writeError(w, http.StatusNotFound, "no stored prices for "+symbol)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"prices": points,
	})
}

// HandleGetMarketCaps returns stored market caps for ?symbols=A,B or the
// default universe
func (h *Handler) HandleGetMarketCaps(w http.ResponseWriter, r *http.Request) {
	symbols := parseSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		symbols = h.defaultUniverse
	}
	caps, err := h.store.LoadMarketCaps(symbols)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_caps": caps,
	})
}

// HandleGetLastSync returns the most recent sync run
func (h *Handler) HandleGetLastSync(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.LastSyncRun()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		h.writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// HandleSync triggers a price refresh. The body may name symbols; the
// default universe is used otherwise.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "price sync is not configured")
		return
	}

	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	symbols := normalise(req.Symbols)
	if len(symbols) == 0 {
		symbols = h.defaultUniverse
	}

	report, err := h.syncer.Sync(r.Context(), symbols)
	if err != nil {
		h.log.Error().Err(err).Int("symbols", len(symbols)).Msg("Price sync failed")
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func parseSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	return normalise(strings.Split(raw, ","))
}

func normalise(symbols []string) []string {
	var out []string
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

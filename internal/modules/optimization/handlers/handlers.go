// Package handlers provides HTTP handlers for the allocation optimizer.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	contentTypeMsgpack = "application/msgpack"
	maxRequestBytes    = 8 << 20
)

// Runner executes one optimizer pipeline run
type Runner interface {
	Run(req optimization.Request) (*optimization.Result, error)
}

// Recorder receives run outcomes for metrics. Implemented by metrics.Registry.
type Recorder interface {
	ObserveOptimization(objective, result string, d time.Duration, infeasibleTargets int)
}

// Handler handles optimizer HTTP requests
type Handler struct {
	runner          Runner
	defaults        optimization.Params
	defaultUniverse []string
	recorder        Recorder
	log             zerolog.Logger

	mu     sync.RWMutex
	latest *optimization.Result
}

// NewHandler creates a new optimizer handler. defaults fill every parameter
// a request leaves out; defaultUniverse is used when a request names no
// assets. recorder may be nil.
func NewHandler(runner Runner, defaults optimization.Params, defaultUniverse []string, recorder Recorder, log zerolog.Logger) *Handler {
	return &Handler{
		runner:          runner,
		defaults:        defaults,
		defaultUniverse: defaultUniverse,
		recorder:        recorder,
		log:             log.With().Str("handler", "optimizer").Logger(),
	}
}

// HandleRun runs the pipeline and returns the full result
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	result, ok := h.run(w, r)
	if !ok {
		return
	}

	if acceptsMsgpack(r) {
		h.writeMsgpack(w, http.StatusOK, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleFrontierChart runs the pipeline and renders the efficient frontier
func (h *Handler) HandleFrontierChart(w http.ResponseWriter, r *http.Request) {
	result, ok := h.run(w, r)
	if !ok {
		return
	}
	if result.Frontier == nil || result.Frontier.Degenerate() {
		h.writeError(w, http.StatusUnprocessableEntity, "frontier is degenerate, nothing to plot")
		return
	}

	png, err := renderFrontier(result.Frontier, result.Assets)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to render frontier chart")
		h.writeError(w, http.StatusInternalServerError, "failed to render chart")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Run-ID", result.RunID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.log.Error().Err(err).Msg("Failed to write chart")
	}
}

// HandleGetDefaults returns the parameters applied to requests that omit them
func (h *Handler) HandleGetDefaults(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"params":   h.defaults,
		"universe": h.defaultUniverse,
	})
}

// HandleGetLatest returns the most recent successful run served by this process
func (h *Handler) HandleGetLatest(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	latest := h.latest
	h.mu.RUnlock()

	if latest == nil {
		h.writeError(w, http.StatusNotFound, "no optimization has run yet")
		return
	}
	if acceptsMsgpack(r) {
		h.writeMsgpack(w, http.StatusOK, latest)
		return
	}
	h.writeJSON(w, http.StatusOK, latest)
}

// run decodes the request, executes it and writes any error response.
func (h *Handler) run(w http.ResponseWriter, r *http.Request) (*optimization.Result, bool) {
	req, err := h.decodeRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	start := time.Now()
	result, err := h.runner.Run(req)
	elapsed := time.Since(start)
	if err != nil {
		status, class := classify(err)
		h.observe(string(req.Params.Objective), class, elapsed, nil)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("Optimization failed")
		} else {
			h.log.Debug().Err(err).Int("status", status).Msg("Optimization rejected")
		}
		h.writeError(w, status, err.Error())
		return nil, false
	}

	class := "ok"
	if result.FellBack {
		class = "fallback"
	}
	h.observe(string(req.Params.Objective), class, elapsed, result.Frontier)

	h.mu.Lock()
	h.latest = result
	h.mu.Unlock()
	return result, true
}

// decodeRequest overlays the body on the configured defaults.
func (h *Handler) decodeRequest(r *http.Request) (optimization.Request, error) {
	req := optimization.Request{Params: h.defaults}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, errors.New("invalid request body: " + err.Error())
	}
	if len(req.Universe) == 0 {
		req.Universe = append([]string(nil), h.defaultUniverse...)
	}
	if req.Params.Objective == "" {
		req.Params.Objective = optimization.ObjectiveMaxSharpe
	}
	return req, nil
}

func (h *Handler) observe(objective, class string, d time.Duration, frontier *optimization.FrontierCurve) {
	if h.recorder == nil {
		return
	}
	infeasible := 0
	if frontier != nil {
		infeasible = frontier.Infeasible
	}
	h.recorder.ObserveOptimization(objective, class, d, infeasible)
}

// classify maps pipeline errors to an HTTP status and a metrics label
func classify(err error) (int, string) {
	switch {
	case optimization.IsInputError(err):
		return http.StatusUnprocessableEntity, "input_error"
	case errors.Is(err, optimization.ErrOptimizationFailed):
		return http.StatusConflict, "optimization_failed"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func acceptsMsgpack(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentTypeMsgpack)
}

func (h *Handler) writeMsgpack(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeMsgpack)
	w.WriteHeader(status)
	enc := msgpack.NewEncoder(w)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode msgpack response")
	}
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

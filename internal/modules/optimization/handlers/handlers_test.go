package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const scenarioBody = `{
	"universe": ["A", "B"],
	"returns": {
		"A": [0.01, 0.02, -0.01, 0.015],
		"B": [0.005, 0.01, 0.0, 0.02]
	},
	"market_caps": {"A": 1e9, "B": 1e9}
}`

type stubRunner struct {
	got    optimization.Request
	result *optimization.Result
	err    error
}

func (s *stubRunner) Run(req optimization.Request) (*optimization.Result, error) {
	s.got = req
	return s.result, s.err
}

type recorded struct {
	objective, result string
	infeasible        int
}

type fakeRecorder struct {
	calls []recorded
}

func (f *fakeRecorder) ObserveOptimization(objective, result string, d time.Duration, infeasibleTargets int) {
	f.calls = append(f.calls, recorded{objective, result, infeasibleTargets})
}

func newTestRouter(runner Runner, rec Recorder) chi.Router {
	h := NewHandler(runner, optimization.DefaultParams(), []string{"A", "B"}, rec, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r
}

func post(r http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRegisterRoutes(t *testing.T) {
	r := newTestRouter(&stubRunner{err: optimization.ErrInsufficientData}, nil)

	testCases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/optimizer/defaults"},
		{http.MethodGet, "/api/optimizer/latest"},
		{http.MethodPost, "/api/optimizer/run"},
		{http.MethodPost, "/api/optimizer/frontier.png"},
	}
	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			// Handler responses are JSON; chi's own 404/405 are plain text
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}

	// Routes are mounted under /optimizer only
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/run", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRun_Scenario(t *testing.T) {
	svc := optimization.NewOptimizerService(nil, nil, zerolog.Nop())
	rec := &fakeRecorder{}
	r := newTestRouter(svc, rec)

	resp := post(r, "/api/optimizer/run", scenarioBody, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	var result optimization.Result
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.InDelta(t, 0.5, result.Weights["A"], 1e-6)
	assert.InDelta(t, 0.5, result.Weights["B"], 1e-6)
	assert.Equal(t, optimization.ObjectiveMaxSharpe, result.Objective)
	assert.NotNil(t, result.Frontier)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "max_sharpe", rec.calls[0].objective)
	assert.Equal(t, "ok", rec.calls[0].result)

	// The run is remembered for /latest
	latest := httptest.NewRecorder()
	r.ServeHTTP(latest, httptest.NewRequest(http.MethodGet, "/api/optimizer/latest", nil))
	require.Equal(t, http.StatusOK, latest.Code)
	assert.Contains(t, latest.Body.String(), result.RunID)
}

func TestHandleRun_Msgpack(t *testing.T) {
	svc := optimization.NewOptimizerService(nil, nil, zerolog.Nop())
	r := newTestRouter(svc, nil)

	resp := post(r, "/api/optimizer/run", scenarioBody, map[string]string{"Accept": "application/msgpack"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/msgpack", resp.Header().Get("Content-Type"))

	var decoded map[string]interface{}
	require.NoError(t, msgpack.NewDecoder(bytes.NewReader(resp.Body.Bytes())).Decode(&decoded))
	assert.Contains(t, decoded, "weights")
	assert.Contains(t, decoded, "posterior_returns")
	assert.Equal(t, "max_sharpe", decoded["objective"])
}

func TestHandleRun_DefaultsApplied(t *testing.T) {
	runner := &stubRunner{result: &optimization.Result{RunID: "x"}}
	r := newTestRouter(runner, nil)

	resp := post(r, "/api/optimizer/run", `{"params": {"tau": 0.1, "constraints": {"upper": 0.6}}}`, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	defaults := optimization.DefaultParams()
	assert.Equal(t, []string{"A", "B"}, runner.got.Universe)
	assert.Equal(t, 0.1, runner.got.Params.Tau)
	assert.Equal(t, defaults.RiskAversion, runner.got.Params.RiskAversion)
	assert.Equal(t, 0.6, runner.got.Params.Constraints.Upper)
	assert.Equal(t, defaults.Constraints.Lower, runner.got.Params.Constraints.Lower)
	assert.Equal(t, optimization.ObjectiveMaxSharpe, runner.got.Params.Objective)

	// An empty body runs the default universe with default parameters
	resp = post(r, "/api/optimizer/run", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, defaults, runner.got.Params)
}

func TestHandleRun_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		class  string
	}{
		{"insufficient data", fmt.Errorf("returns: %w", optimization.ErrInsufficientData), http.StatusUnprocessableEntity, "input_error"},
		{"asset mismatch", optimization.ErrAssetMismatch, http.StatusUnprocessableEntity, "input_error"},
		{"invalid view", optimization.ErrInvalidView, http.StatusUnprocessableEntity, "input_error"},
		{"singular input", optimization.ErrSingularInput, http.StatusUnprocessableEntity, "input_error"},
		{"degenerate metric", optimization.ErrDegenerateMetric, http.StatusUnprocessableEntity, "input_error"},
		{"optimization failed", fmt.Errorf("fallback: %w", optimization.ErrOptimizationFailed), http.StatusConflict, "optimization_failed"},
		{"storage", fmt.Errorf("failed to load prices: disk"), http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			r := newTestRouter(&stubRunner{err: tt.err}, rec)

			resp := post(r, "/api/optimizer/run", `{}`, nil)
			assert.Equal(t, tt.status, resp.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body["error"])

			require.Len(t, rec.calls, 1)
			assert.Equal(t, tt.class, rec.calls[0].result)
		})
	}
}

func TestHandleRun_BadBody(t *testing.T) {
	runner := &stubRunner{}
	r := newTestRouter(runner, nil)

	resp := post(r, "/api/optimizer/run", `{"universe": "A"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Empty(t, runner.got.Universe)
}

func TestHandleGetLatest_Empty(t *testing.T) {
	r := newTestRouter(&stubRunner{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optimizer/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetDefaults(t *testing.T) {
	r := newTestRouter(&stubRunner{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/optimizer/defaults", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Params   optimization.Params `json:"params"`
		Universe []string            `json:"universe"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, optimization.DefaultParams(), body.Params)
	assert.Equal(t, []string{"A", "B"}, body.Universe)
}

func TestHandleFrontierChart(t *testing.T) {
	svc := optimization.NewOptimizerService(nil, nil, zerolog.Nop())
	r := newTestRouter(svc, nil)

	resp := post(r, "/api/optimizer/frontier.png", scenarioBody, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "image/png", resp.Header().Get("Content-Type"))
	assert.NotEmpty(t, resp.Header().Get("X-Run-ID"))
	assert.NotEmpty(t, resp.Body.Bytes())
}

func TestHandleFrontierChart_Degenerate(t *testing.T) {
	runner := &stubRunner{result: &optimization.Result{
		RunID: "x",
		Frontier: &optimization.FrontierCurve{
			Points: []optimization.FrontierPoint{{Volatility: 0.1, ExpectedReturn: 0.05, MaxSharpe: true, MinVolatility: true}},
		},
	}}
	r := newTestRouter(runner, nil)

	resp := post(r, "/api/optimizer/frontier.png", `{}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

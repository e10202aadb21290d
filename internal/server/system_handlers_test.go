package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/allocator/internal/modules/universe"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(ctx context.Context) error { return f.err }

type fakeSyncs struct {
	run *universe.SyncRun
	err error
}

func (f fakeSyncs) LastSyncRun() (*universe.SyncRun, error) { return f.run, f.err }

type namedJob struct {
	name string
}

func (j namedJob) Run() error   { return nil }
func (j namedJob) Name() string { return j.name }

type chanRunner struct {
	ran chan string
}

func (c chanRunner) RunNow(job scheduler.Job) error {
	c.ran <- job.Name()
	return nil
}

func systemRouter(h *SystemHandlers) chi.Router {
	r := chi.NewRouter()
	r.Get("/api/system/status", h.HandleSystemStatus)
	r.Post("/api/system/jobs/{name}", h.HandleTriggerJob)
	return r
}

func TestHandleSystemStatus(t *testing.T) {
	finished := time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC)
	tests := []struct {
		name       string
		health     error
		syncs      fakeSyncs
		wantStatus string
		wantSync   bool
	}{
		{"healthy with sync", nil, fakeSyncs{run: &universe.SyncRun{ID: 7, FinishedAt: finished, Symbols: 3}}, "healthy", true},
		{"unhealthy store", errors.New("disk I/O error"), fakeSyncs{}, "unhealthy", false},
		{"sync lookup fails", nil, fakeSyncs{err: errors.New("no table")}, "healthy", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSystemHandlers(zerolog.Nop(), t.TempDir(), fakeHealth{tt.health}, tt.syncs, nil)

			rec := httptest.NewRecorder()
			systemRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system/status", nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var got SystemStatusResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.wantStatus, got.Status)
			if tt.wantSync {
				require.NotNil(t, got.LastSync)
				assert.Equal(t, int64(7), got.LastSync.ID)
			} else {
				assert.Nil(t, got.LastSync)
			}
			assert.Empty(t, got.Jobs)
		})
	}
}

func TestHandleTriggerJob(t *testing.T) {
	runner := chanRunner{ran: make(chan string, 1)}
	h := NewSystemHandlers(zerolog.Nop(), "", nil, nil, runner, namedJob{"sync_prices"}, nil)
	router := systemRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/system/jobs/sync_prices", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case name := <-runner.ran:
		assert.Equal(t, "sync_prices", name)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not run")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/system/jobs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTriggerJob_NoRunner(t *testing.T) {
	h := NewSystemHandlers(zerolog.Nop(), "", nil, nil, nil, namedJob{"sync_prices"})

	rec := httptest.NewRecorder()
	systemRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/system/jobs/sync_prices", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

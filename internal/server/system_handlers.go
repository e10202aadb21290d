package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/aristath/allocator/internal/modules/universe"
	"github.com/aristath/allocator/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthChecker is implemented by *database.DB
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SyncStatusReader exposes the most recent price sync
type SyncStatusReader interface {
	LastSyncRun() (*universe.SyncRun, error)
}

// JobRunner runs a job outside its schedule
type JobRunner interface {
	RunNow(job scheduler.Job) error
}

// SystemHandlers serves process status and manual job triggers
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	db        HealthChecker
	syncs     SyncStatusReader
	runner    JobRunner
	jobs      map[string]scheduler.Job
	startedAt time.Time
}

// NewSystemHandlers creates a new system handlers instance. syncs and
// runner may be nil.
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	db HealthChecker,
	syncs SyncStatusReader,
	runner JobRunner,
	jobs ...scheduler.Job,
) *SystemHandlers {
	byName := make(map[string]scheduler.Job, len(jobs))
	for _, job := range jobs {
		if job != nil {
			byName[job.Name()] = job
		}
	}
	return &SystemHandlers{
		log:       log.With().Str("service", "system").Logger(),
		dataDir:   dataDir,
		db:        db,
		syncs:     syncs,
		runner:    runner,
		jobs:      byName,
		startedAt: time.Now(),
	}
}

// SystemStatusResponse represents the process and store status
type SystemStatusResponse struct {
	Status        string            `json:"status"` // "healthy" or "unhealthy"
	Uptime        string            `json:"uptime"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	GoVersion     string            `json:"go_version"`
	Goroutines    int               `json:"goroutines"`
	HeapAllocMB   float64           `json:"heap_alloc_mb"`
	CPUPercent    float64           `json:"cpu_percent"`
	RAMPercent    float64           `json:"ram_percent"`
	DataDirMB     float64           `json:"data_dir_mb"`
	LastSync      *universe.SyncRun `json:"last_sync,omitempty"`
	Jobs          []string          `json:"jobs"`
}

// HandleSystemStatus returns process statistics, store health and the last sync
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	uptime := time.Since(h.startedAt)
	cpuPercent, ramPercent := h.getSystemStats()

	response := SystemStatusResponse{
		Status:        "healthy",
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(memStats.HeapAlloc) / 1024 / 1024,
		CPUPercent:    cpuPercent,
		RAMPercent:    ramPercent,
		DataDirMB:     h.getDirSize(h.dataDir),
		Jobs:          h.jobNames(),
	}

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Msg("Database health check failed")
			response.Status = "unhealthy"
		}
	}

	if h.syncs != nil {
		run, err := h.syncs.LastSyncRun()
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to read last sync run")
		}
		response.LastSync = run
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleTriggerJob starts a registered job in the background
// POST /api/system/jobs/{name}
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, ok := h.jobs[name]
	if !ok || h.runner == nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{
			"status":  "error",
			"message": "Job not registered: " + name,
		})
		return
	}

	h.log.Info().Str("job", name).Msg("Manual job run triggered")

	// Jobs can outlive the request timeout
	go func() {
		_ = h.runner.RunNow(job)
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "success",
		"message": "Job triggered: " + name,
	})
}

func (h *SystemHandlers) jobNames() []string {
	names := make([]string, 0, len(h.jobs))
	for name := range h.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// getSystemStats calculates CPU and RAM usage percentages
// A short sampling window keeps the endpoint responsive
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	if dirPath == "" {
		return 0
	}
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

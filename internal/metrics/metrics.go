// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every allocator metric on its own prometheus registry, so
// several instances can coexist in one process.
type Registry struct {
	reg *prometheus.Registry

	HTTPDuration *prometheus.HistogramVec

	OptimizationRuns     *prometheus.CounterVec
	OptimizationDuration prometheus.Histogram
	FrontierInfeasible   prometheus.Counter

	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// New creates a registry with process and Go runtime collectors attached
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "allocator_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "route", "status"},
		),

		OptimizationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_optimization_runs_total",
				Help: "Total number of optimization runs by objective and result",
			},
			[]string{"objective", "result"},
		),

		OptimizationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "allocator_optimization_duration_seconds",
				Help:    "Duration of successful optimization runs in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		FrontierInfeasible: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "allocator_frontier_infeasible_targets_total",
				Help: "Total number of frontier targets the solver could not reach",
			},
		),

		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_job_runs_total",
				Help: "Total number of scheduled job runs by job and result",
			},
			[]string{"job", "result"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "allocator_job_duration_seconds",
				Help:    "Duration of scheduled job runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"job"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.HTTPDuration,
		r.OptimizationRuns,
		r.OptimizationDuration,
		r.FrontierInfeasible,
		r.JobRuns,
		r.JobDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry, mainly for tests
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Middleware records request durations labelled by chi route pattern
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.HTTPDuration.WithLabelValues(req.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

// ObserveOptimization records one optimizer run. result is "ok",
// "fallback" or an error class.
func (r *Registry) ObserveOptimization(objective, result string, d time.Duration, infeasibleTargets int) {
	r.OptimizationRuns.WithLabelValues(objective, result).Inc()
	if result == "ok" || result == "fallback" {
		r.OptimizationDuration.Observe(d.Seconds())
	}
	if infeasibleTargets > 0 {
		r.FrontierInfeasible.Add(float64(infeasibleTargets))
	}
}

// ObserveJob records one scheduled job run
func (r *Registry) ObserveJob(name string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.JobRuns.WithLabelValues(name, result).Inc()
	r.JobDuration.WithLabelValues(name).Observe(d.Seconds())
}

// Package metrics provides Prometheus instrumentation for the rate engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksIngested counts normalized ticks by source and outcome
	// (inserted, duplicate, rejected).
	TicksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rateengine_ticks_ingested_total",
		Help: "Price ticks processed by the normalizer",
	}, []string{"source", "outcome"})

	// CacheHits counts fresh cache-aside hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rateengine_cache_hits_total",
		Help: "Cache-aside fresh hits",
	})

	// CacheMisses counts cache-aside misses (absent or expired).
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rateengine_cache_misses_total",
		Help: "Cache-aside misses",
	})

	// CacheRecomputes counts single-flight recomputations actually run.
	CacheRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rateengine_cache_recomputes_total",
		Help: "Single-flight recomputations executed",
	})

	// CacheStaleFallbacks counts reads served from a stale entry within
	// the grace window after a recomputation failure.
	CacheStaleFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rateengine_cache_stale_fallbacks_total",
		Help: "Reads served stale after recomputation failure",
	})

	// AggregatorRuns counts daily aggregation runs by outcome.
	AggregatorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rateengine_aggregator_runs_total",
		Help: "Daily aggregator runs",
	}, []string{"outcome"})

	// MaterializerRuns counts ranking materializations by period and
	// outcome (published, skipped, failed).
	MaterializerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rateengine_materializer_runs_total",
		Help: "Ranking materializer runs",
	}, []string{"period", "outcome"})

	// MaterializerLatency tracks ranking computation latency per period.
	MaterializerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rateengine_materializer_latency_seconds",
		Help:    "Ranking materialization latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"period"})

	// SelectionsRecorded counts recorded destination selections.
	SelectionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rateengine_selections_recorded_total",
		Help: "Destination selection events recorded",
	}, []string{"outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rateengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rateengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by the chi route pattern, not the raw path: path
		// parameters are client-controlled strings and would explode
		// label cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

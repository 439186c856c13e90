package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketline_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketline_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketline_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// SweepRuns counts reconciliation sweeps by outcome (ok, partial).
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketline_reconcile_runs_total",
			Help: "Reconciliation sweeps by outcome.",
		},
		[]string{"outcome"},
	)

	// SweepItems counts per-step repairs and failures.
	SweepItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketline_reconcile_items_total",
			Help: "Reconciliation items per step and result.",
		},
		[]string{"step", "result"},
	)

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketline_reconcile_duration_seconds",
		Help:    "Reconciliation sweep duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	SanctionActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketline_sanction_actions_total",
			Help: "Sanction actions dispatched by violation type and action.",
		},
		[]string{"type", "action"},
	)

	DisputeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketline_dispute_decisions_total",
			Help: "Dispute decisions by kind and origin.",
		},
		[]string{"decision", "origin"},
	)
)

var initOnce sync.Once

// Init registers the metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			SweepRuns, SweepItems, SweepDuration, SanctionActions, DisputeDecisions)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RED metrics labelled by the chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

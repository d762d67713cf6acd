// Package metrics exposes Prometheus collectors for the scrape service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsCreatedTotal       prometheus.Counter
	sessionsTerminalTotal      *prometheus.CounterVec
	artifactsWrittenTotal      prometheus.Counter
	duplicateCompletionsTotal  prometheus.Counter
	timeoutsForcedTotal        prometheus.Counter
	reconcileDurationSeconds   prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionsCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapedesk_sessions_created_total",
				Help: "Total number of scrape sessions created.",
			},
		)

		sessionsTerminalTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapedesk_sessions_terminal_total",
				Help: "Total number of sessions reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		artifactsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapedesk_artifacts_written_total",
				Help: "Total number of backup artifacts written.",
			},
		)

		duplicateCompletionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapedesk_duplicate_completions_total",
				Help: "Completion signals observed for an already-terminal session.",
			},
		)

		timeoutsForcedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrapedesk_timeouts_forced_total",
				Help: "Sessions forced to failed after exceeding the runtime ceiling.",
			},
		)

		reconcileDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrapedesk_reconcile_duration_seconds",
				Help:    "Histogram of reconcile transition latencies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSessionCreated increments the session creation counter.
func ObserveSessionCreated() {
	if sessionsCreatedTotal != nil {
		sessionsCreatedTotal.Inc()
	}
}

// ObserveSessionTerminal counts a session reaching the given terminal status.
func ObserveSessionTerminal(status string) {
	if sessionsTerminalTotal != nil {
		sessionsTerminalTotal.WithLabelValues(status).Inc()
	}
}

// ObserveArtifactWritten increments the artifact write counter.
func ObserveArtifactWritten() {
	if artifactsWrittenTotal != nil {
		artifactsWrittenTotal.Inc()
	}
}

// ObserveDuplicateCompletion counts a redundant completion signal.
func ObserveDuplicateCompletion() {
	if duplicateCompletionsTotal != nil {
		duplicateCompletionsTotal.Inc()
	}
}

// ObserveTimeoutForced counts a timeout-forced failure.
func ObserveTimeoutForced() {
	if timeoutsForcedTotal != nil {
		timeoutsForcedTotal.Inc()
	}
}

// ObserveReconcileDuration records one reconcile transition latency.
func ObserveReconcileDuration(d time.Duration) {
	if reconcileDurationSeconds != nil {
		reconcileDurationSeconds.Observe(d.Seconds())
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

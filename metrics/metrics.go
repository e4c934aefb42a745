// Package metrics holds the Prometheus collectors for push delivery and the
// HTTP API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webpush"

// Metrics stores Prometheus collectors used by the delivery service and API.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	pushAttemptsTotal   *prometheus.CounterVec
	pushSendDuration    *prometheus.HistogramVec
	pushInflight        prometheus.Gauge
	pushRetriesTotal    prometheus.Counter
	prunedTotal         *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		pushAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_attempts_total",
				Help:      "Total number of push service requests grouped by outcome.",
			},
			[]string{"outcome"},
		),
		pushSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "push_send_duration_seconds",
				Help:      "Push service request duration in seconds grouped by outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"outcome"},
		),
		pushInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "push_inflight",
				Help:      "Current number of in-flight push service requests.",
			},
		),
		pushRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "push_retries_total",
				Help:      "Total number of push requests retried after a transient failure.",
			},
		),
		prunedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscriptions_pruned_total",
				Help:      "Total number of subscriptions deleted after a permanent failure.",
			},
			[]string{"reason"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.pushAttemptsTotal,
		m.pushSendDuration,
		m.pushInflight,
		m.pushRetriesTotal,
		m.prunedTotal,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := routePath(r)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return
		}
		m.recordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}

// ObservePush records one push service request and its outcome label.
func (m *Metrics) ObservePush(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	label := normalize(outcome)
	m.pushAttemptsTotal.WithLabelValues(label).Inc()
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.pushSendDuration.WithLabelValues(label).Observe(seconds)
}

// IncInFlight marks a push request as started.
func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.pushInflight.Inc()
}

// DecInFlight marks a push request as finished.
func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.pushInflight.Dec()
}

// IncRetry counts a push retried after a transient failure.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.pushRetriesTotal.Inc()
}

// IncPruned counts a subscription deleted for reason.
func (m *Metrics) IncPruned(reason string) {
	if m == nil {
		return
	}
	m.prunedTotal.WithLabelValues(normalize(reason)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, path).Observe(duration.Seconds())
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil && tmpl != "" {
			return tmpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func normalize(label string) string {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

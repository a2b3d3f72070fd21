// Package metrics exposes Prometheus collectors for the giftwatch service.
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
	fetchesTotal          *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	retriesExhaustedTotal *prometheus.CounterVec
	itemsDiscoveredTotal  *prometheus.CounterVec
	sinkFailuresTotal     *prometheus.CounterVec
	activePollers         prometheus.Gauge
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftwatch_fetches_total",
				Help: "Total index probes, labeled by source and outcome (hit, absent, no_fields, error).",
			},
			[]string{"source", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "giftwatch_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"source"},
		)

		retriesExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftwatch_fetch_retries_exhausted_total",
				Help: "Probes that consumed the full retry budget and degraded to absent.",
			},
			[]string{"source"},
		)

		itemsDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftwatch_items_discovered_total",
				Help: "Items emitted to the sink, labeled by source and mode.",
			},
			[]string{"source", "mode"},
		)

		sinkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftwatch_sink_failures_total",
				Help: "Sink deliveries that failed or panicked, labeled by source.",
			},
			[]string{"source"},
		)

		activePollers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "giftwatch_active_pollers",
				Help: "Number of poller runs currently active.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "giftwatch_http_requests_total",
				Help: "Total API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "giftwatch_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
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

// ObserveFetch increments the probe counter for the given outcome.
func ObserveFetch(source, outcome string) {
	if fetchesTotal == nil {
		return
	}
	fetchesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetchDuration records one page fetch latency.
func ObserveFetchDuration(source string, duration time.Duration) {
	if fetchDurationSeconds == nil {
		return
	}
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRetriesExhausted counts a probe that kept failing rather than being
// confirmed absent. Diagnostic only; poller decisions never read it.
func ObserveRetriesExhausted(source string) {
	if retriesExhaustedTotal == nil {
		return
	}
	retriesExhaustedTotal.WithLabelValues(source).Inc()
}

// ObserveItemDiscovered counts one emission to the sink.
func ObserveItemDiscovered(source, mode string) {
	if itemsDiscoveredTotal == nil {
		return
	}
	itemsDiscoveredTotal.WithLabelValues(source, mode).Inc()
}

// ObserveSinkFailure counts one failed or panicked sink delivery.
func ObserveSinkFailure(source string) {
	if sinkFailuresTotal == nil {
		return
	}
	sinkFailuresTotal.WithLabelValues(source).Inc()
}

// IncActivePollers increments the active pollers gauge.
func IncActivePollers() {
	if activePollers == nil {
		return
	}
	activePollers.Inc()
}

// DecActivePollers decrements the active pollers gauge.
func DecActivePollers() {
	if activePollers == nil {
		return
	}
	activePollers.Dec()
}

// ObserveHTTPRequest increments the API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

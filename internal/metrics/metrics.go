// Package metrics exposes Prometheus collectors for the fetch engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal          *prometheus.CounterVec
	fetchAttemptDurationSeconds *prometheus.HistogramVec
	fetchRetriesTotal           *prometheus.CounterVec
	fetchRetryDelaySeconds      prometheus.Histogram
	fetchResultsTotal           *prometheus.CounterVec
	fetchRedirectsTotal         *prometheus.CounterVec
	fetchBytesTotal             *prometheus.CounterVec
	fetchJobsInFlight           prometheus.Gauge
	fetchBrowserInstances       prometheus.Gauge
	fetchRateLimitDelaySeconds  *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_attempts_total",
				Help: "Fetch attempts, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		fetchAttemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_attempt_duration_seconds",
				Help:    "Duration of single fetch attempts, labeled by mode.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_retries_total",
				Help: "Retries scheduled, labeled by mode and failure class.",
			},
			[]string{"mode", "class"},
		)

		fetchRetryDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetch_retry_delay_seconds",
				Help:    "Delay applied before a retry.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_results_total",
				Help: "Terminal results, labeled by mode and status.",
			},
			[]string{"mode", "status"},
		)

		fetchRedirectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_redirects_total",
				Help: "Redirect hops followed, labeled by mode.",
			},
			[]string{"mode"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_bytes_total",
				Help: "Body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchJobsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetch_jobs_in_flight",
				Help: "Number of jobs currently being executed.",
			},
		)

		fetchBrowserInstances = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetch_browser_instances",
				Help: "Number of running browser processes.",
			},
		)

		fetchRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-host rate limits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one fetch attempt.
func ObserveAttempt(mode string, success bool, duration time.Duration) {
	Init()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	fetchAttemptsTotal.WithLabelValues(mode, outcome).Inc()
	fetchAttemptDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveRetry records a scheduled retry and its delay.
func ObserveRetry(mode, class string, delay time.Duration) {
	Init()
	fetchRetriesTotal.WithLabelValues(mode, class).Inc()
	fetchRetryDelaySeconds.Observe(delay.Seconds())
}

// ObserveResult records a terminal result.
func ObserveResult(mode, status, site string, bytesFetched int) {
	Init()
	fetchResultsTotal.WithLabelValues(mode, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveRedirects records redirect hops followed by a successful attempt.
func ObserveRedirects(mode string, hops int) {
	Init()
	if hops > 0 {
		fetchRedirectsTotal.WithLabelValues(mode).Add(float64(hops))
	}
}

// IncJobsInFlight increments the in-flight job gauge.
func IncJobsInFlight() {
	Init()
	fetchJobsInFlight.Inc()
}

// DecJobsInFlight decrements the in-flight job gauge.
func DecJobsInFlight() {
	Init()
	fetchJobsInFlight.Dec()
}

// SetBrowserInstances records the number of running browsers.
func SetBrowserInstances(n int) {
	Init()
	fetchBrowserInstances.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	fetchRateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

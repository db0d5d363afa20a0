// Package metrics exposes Prometheus collectors for the crawler.
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

// Request outcomes recorded against namus_requests_total.
const (
	OutcomeSuccess     = "success"
	OutcomeTransport   = "transport"
	OutcomeStatus      = "status"
	OutcomeBadResponse = "bad_response"
)

var (
	namusRequestsTotal          *prometheus.CounterVec
	namusRequestDurationSeconds *prometheus.HistogramVec
	limiterInUse                *prometheus.GaugeVec
	limiterCapacity             *prometheus.GaugeVec
	cacheLookupsTotal           *prometheus.CounterVec
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		namusRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "namus_requests_total",
				Help: "Total NamUs API calls, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		namusRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "namus_request_duration_seconds",
				Help:    "Histogram of NamUs API call latencies, labeled by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"op"},
		)

		limiterInUse = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_limiter_in_use",
				Help: "Permits currently held.",
			},
			[]string{"limiter"},
		)

		limiterCapacity = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_limiter_capacity",
				Help: "Maximum permits a limiter can hand out.",
			},
			[]string{"limiter"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_record_cache_lookups_total",
				Help: "Record cache lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness throttle wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
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

// ObserveRequest records one NamUs API call.
func ObserveRequest(op, outcome string, duration time.Duration) {
	Init()
	namusRequestsTotal.WithLabelValues(op, outcome).Inc()
	namusRequestDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// SetLimiterInUse updates the in-use gauge for the named limiter.
func SetLimiterInUse(name string, n int) {
	Init()
	limiterInUse.WithLabelValues(name).Set(float64(n))
}

// SetLimiterCapacity updates the capacity gauge for the named limiter.
func SetLimiterCapacity(name string, n int) {
	Init()
	limiterCapacity.WithLabelValues(name).Set(float64(n))
}

// ObserveCacheLookup counts a record cache lookup.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a throttle wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

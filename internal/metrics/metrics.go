// Package metrics exposes Prometheus collectors for the republisher.
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

// Image results recorded by ObserveImage.
const (
	ImageOK          = "ok"
	ImageFetchError  = "fetch_error"
	ImageDecodeError = "decode_error"
	ImageStoreError  = "store_error"
)

var (
	batchesTotal               *prometheus.CounterVec
	imagesTotal                *prometheus.CounterVec
	imageDurationSeconds       prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	supervisedWorkers          prometheus.Gauge
	workerRespawnsTotal        prometheus.Counter
	purgedBatchesTotal         *prometheus.CounterVec
	fetchThrottleSeconds       prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "republisher_batches_total",
				Help: "Total number of batches finished, labeled by final status.",
			},
			[]string{"status"},
		)

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "republisher_images_total",
				Help: "Total number of image cells processed, labeled by result.",
			},
			[]string{"result"},
		)

		imageDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "republisher_image_duration_seconds",
				Help:    "Histogram of fetch+transform+store time per image.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
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

		supervisedWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "republisher_supervised_workers",
				Help: "Number of worker processes currently tracked by the supervisor.",
			},
		)

		workerRespawnsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "republisher_worker_respawns_total",
				Help: "Total number of worker processes replaced after exiting unexpectedly.",
			},
		)

		purgedBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "republisher_purged_batches_total",
				Help: "Total number of batches removed by retention or explicit delete.",
			},
			[]string{"reason"},
		)

		fetchThrottleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "republisher_fetch_throttle_seconds",
				Help:    "Time image fetches spent waiting on the per-host rate limit.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBatch increments the finished-batch counter.
func ObserveBatch(status string) {
	Init()
	batchesTotal.WithLabelValues(status).Inc()
}

// ObserveImage records one processed cell.
func ObserveImage(result string, duration time.Duration) {
	Init()
	imagesTotal.WithLabelValues(result).Inc()
	imageDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetSupervisedWorkers sets the tracked worker gauge.
func SetSupervisedWorkers(n int) {
	Init()
	supervisedWorkers.Set(float64(n))
}

// ObserveRespawn increments the respawn counter.
func ObserveRespawn() {
	Init()
	workerRespawnsTotal.Inc()
}

// ObservePurge counts a removed batch.
func ObservePurge(reason string) {
	Init()
	purgedBatchesTotal.WithLabelValues(reason).Inc()
}

// ObserveFetchThrottle records a wait imposed by the per-host fetch limiter.
func ObserveFetchThrottle(d time.Duration) {
	Init()
	fetchThrottleSeconds.Observe(d.Seconds())
}

// Package metrics exposes Prometheus collectors for the coordinator.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	protocolRequestsTotal      *prometheus.CounterVec
	uploadPartsTotal           *prometheus.CounterVec
	archiveRequestsTotal       *prometheus.CounterVec
	queueBatchesTotal          *prometheus.CounterVec
	leaseContentionTotal       prometheus.Counter
	restartsIssuedTotal        prometheus.Counter
	rateLimitedTotal           prometheus.Counter
	producerStepsTotal         *prometheus.CounterVec
	uploadsInFlight            prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		protocolRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_protocol_requests_total",
				Help: "Fetch protocol calls, labeled by activity and envelope status.",
			},
			[]string{"activity", "status"},
		)

		uploadPartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_upload_parts_total",
				Help: "Upload parts accepted, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		archiveRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_archive_requests_total",
				Help: "Archive schedule requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_queue_batches_total",
				Help: "Batches moved through the queue, labeled by operation and kind.",
			},
			[]string{"op", "kind"},
		)

		leaseContentionTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_lease_contention_total",
				Help: "Archive requests turned away because the lease was held.",
			},
		)

		restartsIssuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_restarts_issued_total",
				Help: "Resume signals written by the restart supervisor.",
			},
		)

		rateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_rate_limited_total",
				Help: "Fetch protocol requests rejected by the per-fetcher limiter.",
			},
		)

		producerStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_producer_steps_total",
				Help: "Producer loop iterations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		uploadsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_uploads_in_flight",
				Help: "Multi-part uploads currently being reassembled.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProtocol counts one fetch protocol call.
func ObserveProtocol(activity, status string) {
	Init()
	protocolRequestsTotal.WithLabelValues(activity, status).Inc()
}

// ObserveUploadPart counts an upload part by outcome (CONTINUE, DONE, REDO).
func ObserveUploadPart(outcome string) {
	Init()
	uploadPartsTotal.WithLabelValues(outcome).Inc()
}

// ObserveArchiveRequest counts an archive schedule request by outcome.
func ObserveArchiveRequest(outcome string) {
	Init()
	archiveRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatch counts a queue operation ("enqueue" or "claim") for kind.
func ObserveBatch(op, kind string) {
	Init()
	queueBatchesTotal.WithLabelValues(op, kind).Inc()
}

// ObserveLeaseContention counts a busy archive lease.
func ObserveLeaseContention() {
	Init()
	leaseContentionTotal.Inc()
}

// ObserveRestart counts a resume issued by the supervisor.
func ObserveRestart() {
	Init()
	restartsIssuedTotal.Inc()
}

// ObserveRateLimited counts a rejected fetch request.
func ObserveRateLimited() {
	Init()
	rateLimitedTotal.Inc()
}

// ObserveProducerStep counts a producer iteration.
func ObserveProducerStep(outcome string) {
	Init()
	producerStepsTotal.WithLabelValues(outcome).Inc()
}

// SetUploadsInFlight sets the in-flight upload gauge.
func SetUploadsInFlight(n int) {
	Init()
	uploadsInFlight.Set(float64(n))
}

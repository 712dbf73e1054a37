// Package metrics exposes Prometheus collectors for the crawl/index
// pipeline: package-level promauto collectors behind a sync.Once Init,
// with one Observe/Set helper per collector, covering the
// lock/queue/gate/embedding domain this service coordinates.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lockAcquisitionsTotal    *prometheus.CounterVec
	leaseRenewalsTotal       *prometheus.CounterVec
	retriesTotal             *prometheus.CounterVec
	recordsTerminalTotal     *prometheus.CounterVec
	gateWaitSeconds          prometheus.Histogram
	robotsFetchFailuresTotal prometheus.Counter
	queueDepth               *prometheus.GaugeVec
	deadLetteredTotal        *prometheus.CounterVec
	fetchDurationSeconds     *prometheus.HistogramVec
	embeddingLatencySeconds  prometheus.Histogram
	bulkIngestFailuresTotal  prometheus.Counter
	activeWorkers            *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		lockAcquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlkit_lock_acquisitions_total",
				Help: "Total tryAcquire calls against the state store, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		leaseRenewalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlkit_lease_renewals_total",
				Help: "Total lease renewal attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlkit_retries_total",
				Help: "Total retryable failures scheduled, labeled by component.",
			},
			[]string{"component"},
		)

		recordsTerminalTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlkit_records_terminal_total",
				Help: "Total URL records reaching a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		gateWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlkit_gate_wait_seconds",
				Help:    "Histogram of politeness gate WaitFor durations returned to callers.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		robotsFetchFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlkit_robots_fetch_failures_total",
				Help: "Total robots.txt fetches that fell back to the permissive default.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlkit_queue_depth",
				Help: "Approximate queue depth, labeled by queue name.",
			},
			[]string{"queue"},
		)

		deadLetteredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlkit_dead_lettered_total",
				Help: "Total messages routed to a dead-letter queue, labeled by queue name.",
			},
			[]string{"queue"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlkit_fetch_duration_seconds",
				Help:    "Histogram of crawl fetch durations, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"outcome"},
		)

		embeddingLatencySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlkit_embedding_latency_seconds",
				Help:    "Histogram of embedding request latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		bulkIngestFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlkit_bulk_ingest_failures_total",
				Help: "Total bulk upsert batches rejected by the search index.",
			},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlkit_active_workers",
				Help: "Number of in-flight message-processing goroutines, labeled by role.",
			},
			[]string{"role"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLockAcquisition records the outcome of a tryAcquire call.
func ObserveLockAcquisition(outcome string) {
	lockAcquisitionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLeaseRenewal records the outcome of a renewLease call.
func ObserveLeaseRenewal(outcome string) {
	leaseRenewalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry records a retryable failure scheduled by component.
func ObserveRetry(component string) {
	retriesTotal.WithLabelValues(component).Inc()
}

// ObserveTerminal records a URL record reaching state.
func ObserveTerminal(state string) {
	recordsTerminalTotal.WithLabelValues(state).Inc()
}

// ObserveGateWait records a politeness gate WaitFor duration.
func ObserveGateWait(d time.Duration) {
	gateWaitSeconds.Observe(d.Seconds())
}

// ObserveRobotsFetchFailure records a robots.txt fetch that fell back to
// the permissive default.
func ObserveRobotsFetchFailure() {
	robotsFetchFailuresTotal.Inc()
}

// SetQueueDepth records queue's current approximate depth.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveDeadLettered records a message routed to queue's dead-letter queue.
func ObserveDeadLettered(queue string) {
	deadLetteredTotal.WithLabelValues(queue).Inc()
}

// ObserveFetch records a crawl fetch duration labeled by outcome.
func ObserveFetch(outcome string, d time.Duration) {
	fetchDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveEmbeddingLatency records an embedding request's duration.
func ObserveEmbeddingLatency(d time.Duration) {
	embeddingLatencySeconds.Observe(d.Seconds())
}

// ObserveBulkIngestFailure records a rejected bulk upsert batch.
func ObserveBulkIngestFailure() {
	bulkIngestFailuresTotal.Inc()
}

// SetActiveWorkers records the current in-flight goroutine count for role.
func SetActiveWorkers(role string, n int) {
	activeWorkers.WithLabelValues(role).Set(float64(n))
}

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slotpool"

type moduleMetrics struct {
	queueDepth     prometheus.Gauge
	enqueueTotal   *prometheus.CounterVec
	rejectTotal    *prometheus.CounterVec
	dequeueTotal   *prometheus.CounterVec
	queueWait      prometheus.Histogram
	jobDuration    *prometheus.HistogramVec
	jobsInFlight   prometheus.Gauge
	exhaustedTotal prometheus.Counter

	retryScheduled *prometheus.CounterVec
	retryPromoted  prometheus.Counter
	retryPending   prometheus.Gauge

	sessions        *prometheus.GaugeVec
	authTotal       *prometheus.CounterVec
	authDuration    prometheus.Histogram
	evictionsTotal  *prometheus.CounterVec
	maintenanceRuns prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_depth",
					Help:      "Jobs currently waiting in the queue.",
				},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Jobs admitted to the queue by priority.",
				},
				[]string{"priority"},
			),
			rejectTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_rejected_total",
					Help:      "Jobs rejected at admission by reason.",
				},
				[]string{"reason"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "job_outcome_total",
					Help:      "Processed jobs by outcome (completed, retrying, failed).",
				},
				[]string{"outcome"},
			),
			queueWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_wait_seconds",
					Help:      "Time between enqueue and dispatch.",
					Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
				},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "job_duration_seconds",
					Help:      "Executor duration in seconds by outcome.",
					Buckets:   prometheus.ExponentialBuckets(0.1, 2, 13),
				},
				[]string{"outcome"},
			),
			jobsInFlight: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "jobs_in_flight",
					Help:      "Jobs currently held by a session.",
				},
			),
			exhaustedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "pool_exhausted_total",
					Help:      "Process attempts that found no usable session.",
				},
			),
			retryScheduled: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "retry_scheduled_total",
					Help:      "Retries scheduled by strategy.",
				},
				[]string{"strategy"},
			),
			retryPromoted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "retry_promoted_total",
					Help:      "Retries re-admitted to the queue.",
				},
			),
			retryPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "retry_pending",
					Help:      "Jobs waiting for their retry delay.",
				},
			),
			sessions: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "sessions",
					Help:      "Sessions in the pool by status.",
				},
				[]string{"status"},
			),
			authTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "auth_total",
					Help:      "Authenticator calls by operation and status.",
				},
				[]string{"operation", "status"},
			),
			authDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "auth_duration_seconds",
					Help:      "Authenticator call duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			evictionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_evictions_total",
					Help:      "Sessions removed from the pool by reason.",
				},
				[]string{"reason"},
			),
			maintenanceRuns: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "maintenance_runs_total",
					Help:      "Completed session maintenance passes.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.rejectTotal,
			m.dequeueTotal,
			m.queueWait,
			m.jobDuration,
			m.jobsInFlight,
			m.exhaustedTotal,
			m.retryScheduled,
			m.retryPromoted,
			m.retryPending,
			m.sessions,
			m.authTotal,
			m.authDuration,
			m.evictionsTotal,
			m.maintenanceRuns,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordEnqueue(priority string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(priority).Inc()
	m.queueDepth.Set(float64(depth))
}

func RecordEnqueueRejected(reason string) {
	getMetrics().rejectTotal.WithLabelValues(reason).Inc()
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

func RecordDispatch(wait time.Duration) {
	m := getMetrics()
	m.queueWait.Observe(wait.Seconds())
	m.jobsInFlight.Inc()
}

// RecordJobOutcome observes one finished execution. outcome is one of
// completed, retrying or failed.
func RecordJobOutcome(outcome string, duration time.Duration) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.jobsInFlight.Dec()
}

func RecordPoolExhausted() {
	getMetrics().exhaustedTotal.Inc()
}

func RecordRetryScheduled(strategy string, pending int) {
	m := getMetrics()
	m.retryScheduled.WithLabelValues(strategy).Inc()
	m.retryPending.Set(float64(pending))
}

func RecordRetryPromoted(pending int) {
	m := getMetrics()
	m.retryPromoted.Inc()
	m.retryPending.Set(float64(pending))
}

// SetSessionCounts replaces the per-status session gauges.
func SetSessionCounts(counts map[string]int) {
	m := getMetrics()
	m.sessions.Reset()
	for status, n := range counts {
		m.sessions.WithLabelValues(status).Set(float64(n))
	}
}

func RecordAuth(operation string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.authTotal.WithLabelValues(operation, status).Inc()
	m.authDuration.Observe(duration.Seconds())
}

func RecordEviction(reason string) {
	getMetrics().evictionsTotal.WithLabelValues(reason).Inc()
}

func RecordMaintenanceRun() {
	getMetrics().maintenanceRuns.Inc()
}

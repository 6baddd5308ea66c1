// Package metrics exposes the engine's Prometheus collectors: queue depth
// by pool/status, active leases, broker evaluation duration, and
// dead-letter counts. Grounded on the package-level registry + exported
// Observe*/Inc* functions shown in the pack's Redfish provisioner metrics
// package (internal/provisioner/metrics), generalized from a single
// collector family to the engine's queue/broker/dispatcher domains.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noetl/noetl/pkg/model"
)

var (
	reg *prometheus.Registry

	queueDepth           *prometheus.GaugeVec
	activeLeases         prometheus.Gauge
	brokerEvalDuration   *prometheus.HistogramVec
	deadLetterTotal      *prometheus.CounterVec
	jobsProcessedTotal   *prometheus.CounterVec
	reapedJobsTotal      prometheus.Counter
)

func init() {
	reset()
}

// Reset clears and reinitializes all collectors. Used by tests to ensure
// clean state between runs in the same process.
func Reset() {
	reset()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format
// (spec §6.1 supplemented "/metrics" operator endpoint).
func Handler() http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SetQueueDepth records the number of jobs in a given (pool, status) at the
// time of observation — a gauge, not a counter, since depth moves in both
// directions. Callers (the reaper loop, or an admin polling endpoint)
// sample the queue table and push the count here.
func SetQueueDepth(pool string, status model.JobStatus, count int) {
	queueDepth.WithLabelValues(pool, string(status)).Set(float64(count))
}

// SetActiveLeases records the current count of leased-and-not-expired jobs
// across all pools.
func SetActiveLeases(count int) {
	activeLeases.Set(float64(count))
}

// ObserveBrokerEvaluation records one Broker.Evaluate pass's wall-clock
// duration, labeled by whether it produced an error (spec §4.3).
func ObserveBrokerEvaluation(duration time.Duration, errored bool) {
	outcome := "ok"
	if errored {
		outcome = "error"
	}
	brokerEvalDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncDeadLetter counts a job moved to dead_letter after exhausting
// max_attempts (spec §4.2, §7 "retry_exhausted").
func IncDeadLetter(pool, actionType string) {
	deadLetterTotal.WithLabelValues(pool, actionType).Inc()
}

// IncJobsProcessed counts one Action Dispatcher terminal outcome
// (spec §4.5 step 6), labeled by whether it succeeded.
func IncJobsProcessed(workerID string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	jobsProcessedTotal.WithLabelValues(workerID, outcome).Inc()
}

// IncReapedJobs counts jobs reclaimed by queue.ReapExpired (spec §4.2,
// the periodic orphan-lease scan).
func IncReapedJobs(count int) {
	reapedJobsTotal.Add(float64(count))
}

func reset() {
	registry := prometheus.NewRegistry()

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "noetl",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of jobs in the queue by worker pool and status.",
	}, []string{"pool", "status"})

	leases := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "noetl",
		Subsystem: "queue",
		Name:      "active_leases",
		Help:      "Number of jobs currently leased and not yet expired.",
	})

	evalDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "noetl",
		Subsystem: "broker",
		Name:      "evaluation_duration_seconds",
		Help:      "Duration of a single Broker.Evaluate pass.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"outcome"})

	deadLetter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noetl",
		Subsystem: "queue",
		Name:      "dead_letter_total",
		Help:      "Total jobs moved to dead_letter after exhausting max_attempts.",
	}, []string{"pool", "action_type"})

	jobsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "noetl",
		Subsystem: "dispatcher",
		Name:      "jobs_processed_total",
		Help:      "Total jobs processed by a dispatcher, labeled by outcome.",
	}, []string{"worker_id", "outcome"})

	reaped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "noetl",
		Subsystem: "queue",
		Name:      "reaped_jobs_total",
		Help:      "Total jobs reclaimed from expired leases.",
	})

	registry.MustRegister(depth, leases, evalDuration, deadLetter, jobsProcessed, reaped)

	reg = registry
	queueDepth = depth
	activeLeases = leases
	brokerEvalDuration = evalDuration
	deadLetterTotal = deadLetter
	jobsProcessedTotal = jobsProcessed
	reapedJobsTotal = reaped
}

// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/bizsync/internal/models"
)

// Reconcile outcome labels.
const (
	OutcomeSuccess    = "success"
	OutcomeTransient  = "transient"
	OutcomeValidation = "validation"
	OutcomeNotFound   = "not_found"
)

// Run result labels.
const (
	RunCompleted = "completed"
	RunSkipped   = "skipped"
)

var (
	namespace = "bizsync"
	subsystem = "sync"

	queueRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_records",
			Help:      "Number of queued action records by status",
		},
		[]string{"status"},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_total",
			Help:      "Reconcile attempts by action kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_duration_seconds",
			Help:      "Time taken by a single remote reconcile",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Queue processor runs by result",
		},
		[]string{"result"},
	)

	online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "remote_online",
			Help:      "1 when the remote store answered the last liveness probe",
		},
	)

	bootstrapTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bootstrap_total",
			Help:      "Initial sync runs by result",
		},
		[]string{"result"},
	)
)

// SetQueueStats updates the queue gauges.
func SetQueueStats(s models.QueueStats) {
	queueRecords.WithLabelValues(string(models.StatusPending)).Set(float64(s.Pending))
	queueRecords.WithLabelValues(string(models.StatusProcessing)).Set(float64(s.Processing))
	queueRecords.WithLabelValues(string(models.StatusFailed)).Set(float64(s.Failed))
}

// RecordReconcile counts one reconcile attempt and its latency.
func RecordReconcile(kind models.Kind, outcome string, elapsed time.Duration) {
	reconcileTotal.WithLabelValues(string(kind), outcome).Inc()
	reconcileDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// RecordRun counts a processor run.
func RecordRun(result string) {
	runsTotal.WithLabelValues(result).Inc()
}

// SetOnline records remote reachability.
func SetOnline(up bool) {
	if up {
		online.Set(1)
		return
	}
	online.Set(0)
}

// RecordBootstrap counts an initial sync by result.
func RecordBootstrap(result string) {
	bootstrapTotal.WithLabelValues(result).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

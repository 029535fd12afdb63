package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultConflict = "conflict"
	ResultSkipped  = "skipped"
)

var (
	// bulkTagRuns counts filter runs by result
	bulkTagRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idea_tagger_bulk_tag_runs_total",
		Help: "Total bulk tag runs by result",
	}, []string{"result"})

	// bulkTagApplied counts provenance rows written by filter runs
	bulkTagApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idea_tagger_bulk_tag_applied_total",
		Help: "Total tags attributed by bulk tag runs",
	})

	// bulkTagDuration tracks filter run latency
	bulkTagDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "idea_tagger_bulk_tag_duration_seconds",
		Help:    "Bulk tag run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
	})

	// undoRuns counts undo operations by result
	undoRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idea_tagger_undo_total",
		Help: "Total undo operations by result",
	}, []string{"result"})

	// sweepRuns counts daily sweeps by result
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idea_tagger_sweep_total",
		Help: "Total daily sweeps by result",
	}, []string{"result"})

	// sweepFilters counts filters processed by sweeps by result
	sweepFilters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idea_tagger_sweep_filters_total",
		Help: "Total filters processed by daily sweeps by result",
	}, []string{"result"})

	// jobsProcessed counts queue jobs by type and result
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idea_tagger_jobs_processed_total",
		Help: "Total queue jobs processed by type and result",
	}, []string{"type", "result"})

	// dlqPurged counts dead-lettered jobs dropped by the DLQ garbage collector
	dlqPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idea_tagger_dlq_purged_total",
		Help: "Total dead-lettered jobs purged after the retention window",
	})

	// previewDuration tracks ad hoc search latency
	previewDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "idea_tagger_search_preview_duration_seconds",
		Help:    "Search preview duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveBulkTagRun records one filter run
func ObserveBulkTagRun(result string, applied int, d time.Duration) {
	bulkTagRuns.WithLabelValues(result).Inc()
	if applied > 0 {
		bulkTagApplied.Add(float64(applied))
	}
	bulkTagDuration.Observe(d.Seconds())
}

// ObserveUndo records one undo
func ObserveUndo(result string) {
	undoRuns.WithLabelValues(result).Inc()
}

// ObserveSweep records one sweep and the per-filter outcomes
func ObserveSweep(result string, succeeded, failed int) {
	sweepRuns.WithLabelValues(result).Inc()
	if succeeded > 0 {
		sweepFilters.WithLabelValues(ResultSuccess).Add(float64(succeeded))
	}
	if failed > 0 {
		sweepFilters.WithLabelValues(ResultError).Add(float64(failed))
	}
}

// ObservePreview records one search preview
func ObservePreview(d time.Duration) {
	previewDuration.Observe(d.Seconds())
}

// ObserveJob records one processed queue job
func ObserveJob(jobType, result string) {
	jobsProcessed.WithLabelValues(jobType, result).Inc()
}

// ObserveDLQPurge records jobs dropped from the dead letter queue
func ObserveDLQPurge(n int) {
	if n > 0 {
		dlqPurged.Add(float64(n))
	}
}

// MetricsHandler serves the Prometheus registry
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

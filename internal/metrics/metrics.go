// Package metrics declares the Prometheus collectors for the three stream
// workers. The teacher repo vendors prometheus/client_golang but never
// wires it to a collector (SPEC_FULL.md §3); this adapts the pattern from
// cuemby-warren's pkg/metrics (package-level vars, a Timer helper, an init
// that registers everything) to this module's domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan Reconstructor
	FileEventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "still_file_events_processed_total",
			Help: "Total number of file-events records processed, by event type",
		},
		[]string{"event_type"},
	)

	ScansCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "still_scans_created_total",
			Help: "Total number of scans created by the reconstructor",
		},
	)

	ScansCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "still_scans_completed_total",
			Help: "Total number of scans that reached the log-file completion threshold",
		},
	)

	InvariantViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "still_invariant_violations_total",
			Help: "Total number of detected record-store invariant violations (more than one scan row for a scan number)",
		},
	)

	// Job Orchestrator
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "still_jobs_submitted_total",
			Help: "Total number of jobs submitted to the Super-Facility API, by job type and machine",
		},
		[]string{"job_type", "machine"},
	)

	JobSubmitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "still_job_submit_duration_seconds",
			Help:    "Time from receiving a submit-job-event to recording the scheduler id",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)

	ReconcileCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "still_reconcile_cycle_duration_seconds",
			Help:    "Time taken for one reconciler tick across all machines",
			Buckets: prometheus.DefBuckets,
		},
	)

	SfapiRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "still_sfapi_retries_total",
			Help: "Total number of SFAPI call retries, by operation",
		},
		[]string{"operation"},
	)

	// HAADF Image Worker
	HaadfImagesRenderedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "still_haadf_images_rendered_total",
			Help: "Total number of HAADF preview images rendered and uploaded",
		},
	)

	HaadfRenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "still_haadf_render_duration_seconds",
			Help:    "Time taken to decode a DM4 file and render its preview PNG",
			Buckets: prometheus.DefBuckets,
		},
	)

	HaadfSourceDeleteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "still_haadf_source_delete_failures_total",
			Help: "Total number of failed best-effort source-file deletions after a successful upload",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FileEventsProcessedTotal,
		ScansCreatedTotal,
		ScansCompletedTotal,
		InvariantViolationsTotal,
		JobsSubmittedTotal,
		JobSubmitDuration,
		ReconcileCycleDuration,
		SfapiRetriesTotal,
		HaadfImagesRenderedTotal,
		HaadfRenderDuration,
		HaadfSourceDeleteFailuresTotal,
	)
}

// Handler returns the Prometheus scrape handler, served by each worker's
// health/metrics HTTP listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to a histogram via
// ObserveDuration or ObserveDurationVec.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

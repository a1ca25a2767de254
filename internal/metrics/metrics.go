package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels of ftpdeploy_runs_total
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultUpToDate = "up_to_date"
	ResultDryRun   = "dry_run"
)

// Recorder collects deploy metrics on its own registry so a one-shot run can
// write them to a node-exporter textfile.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	uploadedTotal *prometheus.CounterVec
	skippedTotal  *prometheus.CounterVec
	deletedTotal  *prometheus.CounterVec
	lastSuccess   *prometheus.GaugeVec
	runDuration   *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with all collectors registered
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpdeploy_runs_total",
				Help: "Deploy runs by outcome",
			},
			[]string{"app", "result"},
		),
		uploadedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpdeploy_files_uploaded_total",
				Help: "Files uploaded to the remote host",
			},
			[]string{"app"},
		),
		skippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpdeploy_files_skipped_total",
				Help: "Uploads skipped because the remote file exists and overwrite is disabled",
			},
			[]string{"app"},
		),
		deletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ftpdeploy_files_deleted_total",
				Help: "Files deleted on the remote host",
			},
			[]string{"app"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ftpdeploy_last_success_timestamp_seconds",
				Help: "Unix time of the last successful deploy",
			},
			[]string{"app"},
		),
		runDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ftpdeploy_run_duration_seconds",
				Help: "Duration of the last deploy run",
			},
			[]string{"app"},
		),
	}
}

// Uploaded counts an uploaded file
func (r *Recorder) Uploaded(app string) {
	r.uploadedTotal.WithLabelValues(app).Inc()
}

// Skipped counts an upload skipped by the overwrite policy
func (r *Recorder) Skipped(app string) {
	r.skippedTotal.WithLabelValues(app).Inc()
}

// Deleted counts a deleted file
func (r *Recorder) Deleted(app string) {
	r.deletedTotal.WithLabelValues(app).Inc()
}

// Finished records the outcome and duration of a run
func (r *Recorder) Finished(app, result string, started time.Time) {
	r.runsTotal.WithLabelValues(app, result).Inc()
	r.runDuration.WithLabelValues(app).Set(time.Since(started).Seconds())
	if result == ResultSuccess || result == ResultUpToDate {
		r.lastSuccess.WithLabelValues(app).SetToCurrentTime()
	}
}

// Gatherer exposes the registry, mainly for tests
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the current values in the text exposition format
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

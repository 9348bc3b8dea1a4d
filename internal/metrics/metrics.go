// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/inkwell-ai/inkwell/constants"
)

// Recorder implements the orchestrator's stage event sink on Prometheus.
type Recorder struct {
	stagesStarted   *prometheus.CounterVec
	stagesCompleted *prometheus.CounterVec
	stagesFailed    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
}

// NewRecorder registers the pipeline metrics on the default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		stagesStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_stages_started_total",
			Help: "Stage executions started, by stage.",
		}, []string{"stage"}),
		stagesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_stages_completed_total",
			Help: "Stage executions completed successfully, by stage.",
		}, []string{"stage"}),
		stagesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_stages_failed_total",
			Help: "Stage executions that returned an error, by stage.",
		}, []string{"stage"}),
		stageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inkwell_stage_duration_seconds",
			Help:    "Stage execution time in seconds, by stage and outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage", "outcome"}),
	}
}

func (r *Recorder) StageStarted(stage constants.Stage) {
	r.stagesStarted.WithLabelValues(string(stage)).Inc()
}

func (r *Recorder) StageCompleted(stage constants.Stage, elapsed time.Duration) {
	r.stagesCompleted.WithLabelValues(string(stage)).Inc()
	r.stageDuration.WithLabelValues(string(stage), "ok").Observe(elapsed.Seconds())
}

func (r *Recorder) StageFailed(stage constants.Stage, elapsed time.Duration) {
	r.stagesFailed.WithLabelValues(string(stage)).Inc()
	r.stageDuration.WithLabelValues(string(stage), "error").Observe(elapsed.Seconds())
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	pipelineName = "pipeline_name"
	stageName    = "stage_name"
	status       = "status"
)

var (
	// Iterations is the number of completed iterations, labelled by whether the iteration failed.
	Iterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refine_iterations_total",
		Help: "Number of pipeline iterations run",
	}, []string{pipelineName, status})

	// StageLatency is how long a stage takes including retries.
	StageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refine_stage_latency_seconds",
		Help:    "Stage execution latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	}, []string{pipelineName, stageName})

	// StageRetries is the number of stage attempts that were retried.
	StageRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refine_stage_retry_count",
		Help: "Number of stage attempts retried after a transient error",
	}, []string{pipelineName, stageName})

	// StageErrors is the number of stages that exhausted their retries or failed fatally.
	StageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refine_stage_error_count",
		Help: "Number of stage invocations that failed",
	}, []string{pipelineName, stageName})

	// CheckpointWrites is the number of checkpoint saves by outcome.
	CheckpointWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refine_checkpoint_write_count",
		Help: "Number of checkpoint writes",
	}, []string{pipelineName, status})

	// Outcomes is the number of workflows that reached each terminal status.
	Outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "refine_workflow_outcome_count",
		Help: "Number of workflows finished per terminal status",
	}, []string{pipelineName, status})

	// AggressionLevel is the level the most recent iteration escalated to.
	AggressionLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "refine_aggression_level",
		Help: "Aggression level of the most recently advanced workflow",
	}, []string{pipelineName})
)

func init() {
	prometheus.MustRegister(
		Iterations,
		StageLatency,
		StageRetries,
		StageErrors,
		CheckpointWrites,
		Outcomes,
		AggressionLevel,
	)
}

func Reset() {
	Iterations.Reset()
	StageLatency.Reset()
	StageRetries.Reset()
	StageErrors.Reset()
	CheckpointWrites.Reset()
	Outcomes.Reset()
	AggressionLevel.Reset()
}

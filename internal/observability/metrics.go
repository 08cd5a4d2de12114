package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the engine's components record
// against. A single instance is created per process and threaded into the
// Orchestrator, Relay, Worker and Sweeper.
type Metrics struct {
	InstancesStarted   *prometheus.CounterVec
	InstancesFinished  *prometheus.CounterVec
	ActiveInstances    prometheus.Gauge

	StepExecutionsTotal  *prometheus.CounterVec
	StepExecutionSeconds *prometheus.HistogramVec

	OutboxDepth      prometheus.Gauge
	RelayBatchSize   prometheus.Histogram
	RelayPublishedTotal *prometheus.CounterVec

	LockAcquireTotal *prometheus.CounterVec
	LockHeldSeconds  prometheus.Histogram

	SweeperRecoveredTotal prometheus.Counter

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns the engine's metric collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		InstancesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_instances_started_total",
				Help: "Total number of workflow instances started.",
			},
			[]string{"workflow_id"},
		),
		InstancesFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_instances_finished_total",
				Help: "Total number of workflow instances that reached a terminal status.",
			},
			[]string{"workflow_id", "status"},
		),
		ActiveInstances: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_active_instances",
				Help: "Number of instances currently pending or running.",
			},
		),
		StepExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_step_executions_total",
				Help: "Total number of step executions by step type and outcome.",
			},
			[]string{"step_type", "status"},
		),
		StepExecutionSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_step_execution_seconds",
				Help:    "Duration of action handler invocations.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"action_id"},
		),
		OutboxDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_outbox_depth",
				Help: "Number of unprocessed rows observed in the outbox on the last relay poll.",
			},
		),
		RelayBatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_relay_batch_size",
				Help:    "Number of messages relayed per poll iteration.",
				Buckets: prometheus.LinearBuckets(0, 10, 10),
			},
		),
		RelayPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_relay_published_total",
				Help: "Total number of outbox messages published, by destination and outcome.",
			},
			[]string{"destination", "status"},
		),
		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_lock_acquire_total",
				Help: "Total number of instance lock acquisition attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		LockHeldSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_lock_held_seconds",
				Help:    "Duration an instance lock was held before release.",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweeperRecoveredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_sweeper_recovered_total",
				Help: "Total number of stale instances the recovery sweeper re-emitted intents for.",
			},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_errors_total",
				Help: "Total number of errors, by component and kind.",
			},
			[]string{"component", "kind"},
		),
	}
}

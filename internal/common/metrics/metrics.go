// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_records_total",
			Help: "Records processed per pipeline stage by outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pipeline_stage_duration_seconds",
			Help: "Duration of each pipeline stage in seconds",
		},
		[]string{"stage"},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_runs_active",
			Help: "Number of pipeline runs currently executing",
		},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook events by final delivery status",
		},
		[]string{"status"},
	)

	WebhookAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_attempts_total",
			Help: "Webhook delivery attempts, including short-circuited ones",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups per category by result",
		},
		[]string{"category", "result"},
	)

	ConnectorRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_records_total",
			Help: "Raw records returned per connector source",
		},
		[]string{"source"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Job handler duration in seconds",
		},
		[]string{"task_type"},
	)
)

// Package metrics exposes the pipeline's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_jobs_created_total",
		Help: "Generation jobs accepted by the orchestrator.",
	})

	TrainingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_trainings_started_total",
		Help: "Identity training pipelines started.",
	})

	StageResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_stage_results_total",
		Help: "Stage executions by stage and outcome.",
	}, []string{"stage", "outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avatar_stage_duration_seconds",
		Help:    "Wall-clock stage execution time.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"stage"})

	GPUInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_gpu_stages_in_flight",
		Help: "GPU-bound stages currently holding a gate slot.",
	})
)

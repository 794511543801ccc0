package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/metrics"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/stage"
)

// ResultSink applies a finished stage execution to the record it belongs to.
type ResultSink interface {
	OnStageResult(ctx context.Context, res entity.StageResult) error
}

// StageRunner consumes stage tasks, runs the matching executor and reports
// the outcome back to the orchestrator. Executor failures are carried inside
// the result; only reporting problems surface as errors so the delivery gets
// redelivered.
type StageRunner struct {
	registry *stage.Registry
	sink     ResultSink
}

func NewStageRunner(registry *stage.Registry, sink ResultSink) *StageRunner {
	return &StageRunner{registry: registry, sink: sink}
}

func (r *StageRunner) Handle(ctx context.Context, task entity.StageTask) error {
	exec, ok := r.registry.Lookup(task.Stage)
	if !ok {
		return fmt.Errorf("no executor registered for stage %q", task.Stage)
	}

	target := task.JobID
	if target == "" {
		target = task.UserID
	}
	log.Printf("executing stage %s attempt %d for %s", task.Stage, task.Attempt, target)

	res := exec.Execute(ctx, task)
	observe(res)

	if err := r.sink.OnStageResult(ctx, res); err != nil {
		return fmt.Errorf("apply stage %s result for %s: %w", task.Stage, target, err)
	}
	return nil
}

func observe(res entity.StageResult) {
	outcome := entity.OutcomeOK
	if !res.OK {
		outcome = string(res.Failure)
	}
	metrics.StageResults.WithLabelValues(string(res.Stage), outcome).Inc()
	metrics.StageDuration.WithLabelValues(string(res.Stage)).Observe(res.EndedAt.Sub(res.StartedAt).Seconds())
}

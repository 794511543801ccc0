package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

// Executor runs one kind of pipeline stage on a worker.
type Executor interface {
	Kind() entity.StageKind
	Execute(ctx context.Context, task entity.StageTask) entity.StageResult
}

// Registry maps stage kinds to their executors.
type Registry struct {
	executors map[entity.StageKind]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{executors: make(map[entity.StageKind]Executor, len(execs))}
	for _, e := range execs {
		r.executors[e.Kind()] = e
	}
	return r
}

func (r *Registry) Lookup(kind entity.StageKind) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// resultBase copies the task identity fields into a result so the
// orchestrator can match the report against the record's current stage.
func resultBase(task entity.StageTask, started time.Time) entity.StageResult {
	return entity.StageResult{
		JobID:         task.JobID,
		UserID:        task.UserID,
		Stage:         task.Stage,
		Attempt:       task.Attempt,
		VoiceFallback: task.VoiceFallback,
		StartedAt:     started,
		EndedAt:       time.Now().UTC(),
	}
}

func okResult(task entity.StageTask, started time.Time, output any) entity.StageResult {
	res := resultBase(task, started)
	res.OK = true
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return failResult(task, started, entity.FailureFatal, fmt.Sprintf("encode stage output: %v", err))
		}
		res.Output = raw
	}
	return res
}

func failResult(task entity.StageTask, started time.Time, kind entity.FailureKind, msg string) entity.StageResult {
	res := resultBase(task, started)
	res.OK = false
	res.Failure = kind
	res.Message = msg
	return res
}

func decodeInput(task entity.StageTask, dst any) error {
	if len(task.Payload) == 0 {
		return fmt.Errorf("stage %s: empty payload", task.Stage)
	}
	return json.Unmarshal(task.Payload, dst)
}

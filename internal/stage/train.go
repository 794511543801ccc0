package stage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

// TrainExecutor fine-tunes a LoRA adapter for one user's identity.
// A retrain overwrites the user's previous adapter at the same path.
type TrainExecutor struct {
	Bin     string
	LoraDir string
}

func (e *TrainExecutor) Kind() entity.StageKind { return entity.StageTrain }

func (e *TrainExecutor) Execute(ctx context.Context, task entity.StageTask) entity.StageResult {
	started := time.Now().UTC()

	var in entity.TrainInput
	if err := decodeInput(task, &in); err != nil {
		return failResult(task, started, entity.FailureFatal, err.Error())
	}

	modelPath := filepath.Join(e.LoraDir, task.UserID, "identity.safetensors")
	args := []string{"--dataset", in.DatasetPath}
	if kind, err := runCommand(ctx, e.Bin, args, modelPath); err != nil {
		return failResult(task, started, kind, err.Error())
	}
	return okResult(task, started, entity.TrainOutput{LoraModelPath: modelPath})
}

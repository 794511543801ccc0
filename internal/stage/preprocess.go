package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

// PreprocessExecutor runs face detection and cropping over an uploaded
// photo set. The tool writes a manifest next to the processed images.
type PreprocessExecutor struct {
	Bin string
}

func (e *PreprocessExecutor) Kind() entity.StageKind { return entity.StagePreprocess }

func (e *PreprocessExecutor) Execute(ctx context.Context, task entity.StageTask) entity.StageResult {
	started := time.Now().UTC()

	var in entity.PreprocessInput
	if err := decodeInput(task, &in); err != nil {
		return failResult(task, started, entity.FailureFatal, err.Error())
	}

	manifestPath := filepath.Join(in.DatasetPath, "manifest.json")
	args := []string{"--dataset", in.DatasetPath}
	if kind, err := runCommand(ctx, e.Bin, args, manifestPath); err != nil {
		return failResult(task, started, kind, err.Error())
	}

	out, err := readManifest(manifestPath, in.DatasetPath)
	if err != nil {
		return failResult(task, started, entity.FailureTransient, err.Error())
	}
	if out.FaceCount == 0 {
		return failResult(task, started, entity.FailureFatal, "no usable faces detected in uploaded photos")
	}
	return okResult(task, started, out)
}

func readManifest(path, datasetPath string) (entity.PreprocessOutput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return entity.PreprocessOutput{}, fmt.Errorf("read preprocess manifest: %w", err)
	}
	var manifest struct {
		FaceCount int `json:"face_count"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return entity.PreprocessOutput{}, fmt.Errorf("parse preprocess manifest: %w", err)
	}
	return entity.PreprocessOutput{DatasetPath: datasetPath, FaceCount: manifest.FaceCount}, nil
}

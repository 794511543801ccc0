package stage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

// TalkingHeadExecutor animates the user's trained identity with the
// synthesized audio track.
type TalkingHeadExecutor struct {
	Bin      string
	VideoDir string
}

func (e *TalkingHeadExecutor) Kind() entity.StageKind { return entity.StageGenerateTalkingHead }

func (e *TalkingHeadExecutor) Execute(ctx context.Context, task entity.StageTask) entity.StageResult {
	started := time.Now().UTC()

	var in entity.TalkingHeadInput
	if err := decodeInput(task, &in); err != nil {
		return failResult(task, started, entity.FailureFatal, err.Error())
	}

	outPath := filepath.Join(e.VideoDir, task.JobID, "talking_head.mp4")
	args := []string{
		"--dataset", in.DatasetPath,
		"--lora", in.LoraModelPath,
		"--audio", in.AudioRef,
	}
	if kind, err := runCommand(ctx, e.Bin, args, outPath); err != nil {
		return failResult(task, started, kind, err.Error())
	}
	return okResult(task, started, entity.VideoOutput{VideoRef: outPath})
}

// CompositeExecutor overlays the job's product image onto the generated
// video. It only runs for jobs that supplied one.
type CompositeExecutor struct {
	Bin      string
	VideoDir string
}

func (e *CompositeExecutor) Kind() entity.StageKind { return entity.StageComposite }

func (e *CompositeExecutor) Execute(ctx context.Context, task entity.StageTask) entity.StageResult {
	started := time.Now().UTC()

	var in entity.CompositeInput
	if err := decodeInput(task, &in); err != nil {
		return failResult(task, started, entity.FailureFatal, err.Error())
	}
	if _, err := os.Stat(in.ProductImageRef); err != nil {
		return failResult(task, started, entity.FailureFatal, "product image missing: "+err.Error())
	}

	outPath := filepath.Join(e.VideoDir, task.JobID, "composited.mp4")
	args := []string{
		"--video", in.VideoRef,
		"--overlay", in.ProductImageRef,
	}
	if kind, err := runCommand(ctx, e.Bin, args, outPath); err != nil {
		return failResult(task, started, kind, err.Error())
	}
	return okResult(task, started, entity.VideoOutput{VideoRef: outPath})
}

// EnhanceExecutor runs face restoration and upscaling over the video.
type EnhanceExecutor struct {
	Bin      string
	VideoDir string
}

func (e *EnhanceExecutor) Kind() entity.StageKind { return entity.StageEnhance }

func (e *EnhanceExecutor) Execute(ctx context.Context, task entity.StageTask) entity.StageResult {
	started := time.Now().UTC()

	var in entity.EnhanceInput
	if err := decodeInput(task, &in); err != nil {
		return failResult(task, started, entity.FailureFatal, err.Error())
	}

	outPath := filepath.Join(e.VideoDir, task.JobID, "final.mp4")
	args := []string{"--video", in.VideoRef}
	if kind, err := runCommand(ctx, e.Bin, args, outPath); err != nil {
		return failResult(task, started, kind, err.Error())
	}
	return okResult(task, started, entity.VideoOutput{VideoRef: outPath})
}

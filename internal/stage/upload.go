package stage

import (
	"context"
	"path"
	"time"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

// ArtifactStore is the slice of object storage the upload stage needs.
type ArtifactStore interface {
	UploadFile(ctx context.Context, key, filePath, contentType string) error
}

// UploadExecutor publishes the finished video to object storage. The
// object key is deterministic per job so a retried upload overwrites
// its own partial result instead of duplicating it.
type UploadExecutor struct {
	Store ArtifactStore
}

func (e *UploadExecutor) Kind() entity.StageKind { return entity.StageUpload }

func (e *UploadExecutor) Execute(ctx context.Context, task entity.StageTask) entity.StageResult {
	started := time.Now().UTC()

	var in entity.UploadInput
	if err := decodeInput(task, &in); err != nil {
		return failResult(task, started, entity.FailureFatal, err.Error())
	}

	key := path.Join("jobs", task.JobID, "final.mp4")
	if err := e.Store.UploadFile(ctx, key, in.VideoRef, "video/mp4"); err != nil {
		return failResult(task, started, entity.FailureTransient, err.Error())
	}
	return okResult(task, started, entity.UploadOutput{OutputVideoRef: key})
}

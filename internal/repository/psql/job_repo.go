package psql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

type GormJobRepo struct {
	db *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db}
}

func (r *GormJobRepo) Create(ctx context.Context, job *entity.Job) error {
	if job.Version == 0 {
		job.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job %s: %w", job.JobID, err)
	}
	return nil
}

func (r *GormJobRepo) Get(ctx context.Context, jobID string) (*entity.Job, error) {
	var job entity.Job
	if err := r.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: job %s", entity.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &job, nil
}

// CompareAndSet writes the full record guarded by its version column. The
// in-memory version is bumped on success so the caller can chain updates.
func (r *GormJobRepo) CompareAndSet(ctx context.Context, job *entity.Job) error {
	expected := job.Version
	job.UpdatedAt = time.Now().UTC()
	job.Version = expected + 1

	tx := r.db.WithContext(ctx).
		Model(&entity.Job{}).
		Where("job_id = ? AND version = ?", job.JobID, expected).
		Select("*").
		Omit("job_id", "created_at").
		Updates(job)
	if tx.Error != nil {
		job.Version = expected
		return fmt.Errorf("update job %s: %w", job.JobID, tx.Error)
	}
	if tx.RowsAffected == 0 {
		job.Version = expected
		return fmt.Errorf("%w: job %s at version %d", entity.ErrVersionConflict, job.JobID, expected)
	}
	return nil
}

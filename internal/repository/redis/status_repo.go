package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const statusTTL = time.Hour

// StatusRepo is a write-through cache of job and training statuses, used by
// the hot status endpoints. The record store stays the source of truth.
type StatusRepo struct {
	client *redis.Client
}

func NewStatusRepo(client *redis.Client) *StatusRepo {
	return &StatusRepo{client: client}
}

func (r *StatusRepo) SetJobStatus(ctx context.Context, jobID, status string) error {
	return r.client.Set(ctx, "job_status:"+jobID, status, statusTTL).Err()
}

func (r *StatusRepo) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	return r.client.Get(ctx, "job_status:"+jobID).Result()
}

func (r *StatusRepo) SetTrainingStatus(ctx context.Context, userID, status string) error {
	return r.client.Set(ctx, "training_status:"+userID, status, statusTTL).Err()
}

func (r *StatusRepo) GetTrainingStatus(ctx context.Context, userID string) (string, error) {
	return r.client.Get(ctx, "training_status:"+userID).Result()
}

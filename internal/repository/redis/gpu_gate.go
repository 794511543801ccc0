package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/metrics"
)

const gateKey = "gpu:inflight"

// GPUGate is a cluster-wide counted semaphore over a redis counter. Acquire
// increments and backs out when the limit is exceeded, so the counter never
// admits more than limit holders.
type GPUGate struct {
	client *redis.Client
	limit  int
}

func NewGPUGate(client *redis.Client, limit int) *GPUGate {
	if limit <= 0 {
		limit = 1
	}
	return &GPUGate{client: client, limit: limit}
}

func (g *GPUGate) TryAcquire(ctx context.Context) (bool, error) {
	n, err := g.client.Incr(ctx, gateKey).Result()
	if err != nil {
		return false, fmt.Errorf("gpu gate incr: %w", err)
	}
	if n > int64(g.limit) {
		if err := g.client.Decr(ctx, gateKey).Err(); err != nil {
			return false, fmt.Errorf("gpu gate back out: %w", err)
		}
		return false, nil
	}
	metrics.GPUInFlight.Set(float64(n))
	return true, nil
}

func (g *GPUGate) Release(ctx context.Context) error {
	n, err := g.client.Decr(ctx, gateKey).Result()
	if err != nil {
		return fmt.Errorf("gpu gate decr: %w", err)
	}
	if n < 0 {
		// Counter drifted below zero (crashed holder, manual reset); clamp.
		if err := g.client.Set(ctx, gateKey, 0, 0).Err(); err != nil {
			return fmt.Errorf("gpu gate clamp: %w", err)
		}
		n = 0
	}
	metrics.GPUInFlight.Set(float64(n))
	return nil
}

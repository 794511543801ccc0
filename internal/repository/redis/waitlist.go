package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/usecase"
)

const waitlistKey = "gpu:waitlist"

// Waitlist holds stage dispatches parked while the GPU gate is saturated,
// in FIFO order.
type Waitlist struct {
	client *redis.Client
}

func NewWaitlist(client *redis.Client) *Waitlist {
	return &Waitlist{client: client}
}

func (w *Waitlist) Push(ctx context.Context, ref usecase.DispatchRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal dispatch ref: %w", err)
	}
	if err := w.client.LPush(ctx, waitlistKey, data).Err(); err != nil {
		return fmt.Errorf("waitlist push: %w", err)
	}
	return nil
}

func (w *Waitlist) Pop(ctx context.Context) (usecase.DispatchRef, bool, error) {
	data, err := w.client.RPop(ctx, waitlistKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return usecase.DispatchRef{}, false, nil
	}
	if err != nil {
		return usecase.DispatchRef{}, false, fmt.Errorf("waitlist pop: %w", err)
	}
	var ref usecase.DispatchRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return usecase.DispatchRef{}, false, fmt.Errorf("unmarshal dispatch ref: %w", err)
	}
	return ref, true, nil
}

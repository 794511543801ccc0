package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/usecase"
)

const (
	publishMaxAttempts = 5
	publishBaseDelay   = 500 * time.Millisecond
	publishMaxDelay    = 10 * time.Second
)

// LanePublisher publishes stage tasks onto per-lane queues so GPU-bound and
// CPU-bound stages scale independently. Each lane also gets a retry queue
// whose messages expire back into the lane, which is how delayed re-enqueue
// (retry backoff) is delivered.
type LanePublisher struct {
	channel  *amqp.Channel
	exchange string
}

func NewLanePublisher(conn *amqp.Connection, exchange string, lanes []usecase.Lane) (*LanePublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	for _, lane := range lanes {
		if err := declareLane(ch, exchange, lane); err != nil {
			return nil, err
		}
	}

	return &LanePublisher{channel: ch, exchange: exchange}, nil
}

func declareLane(ch *amqp.Channel, exchange string, lane usecase.Lane) error {
	if _, err := ch.QueueDeclare(QueueName(lane), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue for lane %s: %w", lane, err)
	}
	if err := ch.QueueBind(QueueName(lane), RoutingKey(lane), exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue for lane %s: %w", lane, err)
	}

	// Retry queue: no consumers; expired messages dead-letter back into the lane.
	args := amqp.Table{
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": RoutingKey(lane),
	}
	if _, err := ch.QueueDeclare(retryQueueName(lane), true, false, false, false, args); err != nil {
		return fmt.Errorf("declare retry queue for lane %s: %w", lane, err)
	}
	if err := ch.QueueBind(retryQueueName(lane), retryRoutingKey(lane), exchange, false, nil); err != nil {
		return fmt.Errorf("bind retry queue for lane %s: %w", lane, err)
	}
	return nil
}

func (p *LanePublisher) Publish(ctx context.Context, lane usecase.Lane, task entity.StageTask) error {
	return p.publish(ctx, RoutingKey(lane), task, 0)
}

func (p *LanePublisher) PublishIn(ctx context.Context, lane usecase.Lane, task entity.StageTask, delay time.Duration) error {
	if delay <= 0 {
		return p.Publish(ctx, lane, task)
	}
	return p.publish(ctx, retryRoutingKey(lane), task, delay)
}

func (p *LanePublisher) publish(ctx context.Context, routingKey string, task entity.StageTask, expiration time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal stage task: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if expiration > 0 {
		msg.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}

	var lastErr error
	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == publishMaxAttempts {
			break
		}
		backoff := publishBaseDelay << (attempt - 1)
		if backoff > publishMaxDelay {
			backoff = publishMaxDelay
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errors.New("publish canceled by context")
		}
	}
	return fmt.Errorf("publish to %s: %w", routingKey, lastErr)
}

func QueueName(lane usecase.Lane) string {
	return "stages." + string(lane) + ".q"
}

func RoutingKey(lane usecase.Lane) string {
	return "stages." + string(lane)
}

func retryQueueName(lane usecase.Lane) string {
	return "stages." + string(lane) + ".retry.q"
}

func retryRoutingKey(lane usecase.Lane) string {
	return "stages." + string(lane) + ".retry"
}

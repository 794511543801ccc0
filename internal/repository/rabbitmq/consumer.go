package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/usecase"
)

// TaskHandler executes a stage task and applies its result. ErrStaleReport
// means the record has moved on; the delivery is acked, not redelivered.
type TaskHandler interface {
	Handle(ctx context.Context, task entity.StageTask) error
}

// StageConsumer consumes one lane's queue and hands tasks to the handler.
type StageConsumer struct {
	channel     *amqp.Channel
	queue       string
	handler     TaskHandler
	prefetchCnt int
}

func NewStageConsumer(conn *amqp.Connection, lane usecase.Lane, prefetch int, handler TaskHandler) (*StageConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	consumer := &StageConsumer{
		channel:     ch,
		queue:       QueueName(lane),
		handler:     handler,
		prefetchCnt: prefetch,
	}

	if _, err := ch.QueueDeclare(consumer.queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err := ch.Qos(consumer.prefetchCnt, 0, false); err != nil {
		return nil, err
	}

	return consumer, nil
}

func (c *StageConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("consumer for %s shutting down", c.queue)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				log.Printf("channel for %s closed", c.queue)
				return nil
			}

			var task entity.StageTask
			if err := json.Unmarshal(msg.Body, &task); err != nil {
				log.Printf("failed to unmarshal stage task: %v", err)
				msg.Nack(false, false)
				continue
			}

			go func(task entity.StageTask, msg amqp.Delivery) {
				err := c.handler.Handle(ctx, task)
				switch {
				case err == nil, errors.Is(err, entity.ErrStaleReport):
					msg.Ack(false)
				default:
					log.Printf("stage %s for %s%s failed to apply: %v", task.Stage, task.JobID, task.UserID, err)
					msg.Nack(false, true)
				}
			}(task, msg)
		}
	}
}

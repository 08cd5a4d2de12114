// Package broker wraps streadway/amqp for the engine's two durable
// queues, orchestration_queue and actions_queue, following the
// teacher's internal/queue/queue.go Publish/Subscribe shape generalized
// from a single exchange to a routing map and dead-letter queues.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforge/engine/internal/models"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Broker publishes and consumes messages on the engine's durable queues.
type Broker interface {
	Publish(ctx context.Context, queue string, requestID string, payload []byte) error
	Consume(queue string, prefetch int, handler HandlerFunc) error
	Close() error
}

// HandlerFunc processes one delivery. Returning a models.Retryable error
// nacks-with-requeue; returning a models.NonRetryable error (or any other
// error) nacks to the dead-letter queue; returning nil acks.
type HandlerFunc func(ctx context.Context, requestID string, body []byte) error

type amqpBroker struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

// QueueSpec declares a durable queue and its dead-letter queue.
type QueueSpec struct {
	Name   string
	DLQ    string
}

// New dials url and declares the given queues (each paired with its DLQ,
// wired via a per-queue dead-letter exchange), matching the teacher's
// RabbitMQQueue constructor.
func New(url string, queues []QueueSpec, logger *zap.Logger) (Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	b := &amqpBroker{conn: conn, ch: ch, logger: logger.With(zap.String("component", "broker"))}

	for _, q := range queues {
		if err := b.declareQueue(q); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	return b, nil
}

func (b *amqpBroker) declareQueue(q QueueSpec) error {
	dlxName := q.Name + ".dlx"
	if err := b.ch.ExchangeDeclare(dlxName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter exchange %s: %w", dlxName, err)
	}
	if _, err := b.ch.QueueDeclare(q.DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dlq %s: %w", q.DLQ, err)
	}
	if err := b.ch.QueueBind(q.DLQ, q.Name, dlxName, false, nil); err != nil {
		return fmt.Errorf("binding dlq %s: %w", q.DLQ, err)
	}

	args := amqp.Table{"x-dead-letter-exchange": dlxName, "x-dead-letter-routing-key": q.Name}
	if _, err := b.ch.QueueDeclare(q.Name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring queue %s: %w", q.Name, err)
	}
	return nil
}

func (b *amqpBroker) Publish(ctx context.Context, queue string, requestID string, payload []byte) error {
	headers := amqp.Table{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	err := b.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
		Headers:      headers,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it. It is not part of the Broker
// interface; the Relay publishes outbox payloads through Publish.
func (b *amqpBroker) PublishJSON(ctx context.Context, queue, requestID string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", queue, err)
	}
	return b.Publish(ctx, queue, requestID, body)
}

func (b *amqpBroker) Consume(queue string, prefetch int, handler HandlerFunc) error {
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("setting qos on %s: %w", queue, err)
	}

	deliveries, err := b.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}

	go func() {
		for d := range deliveries {
			requestID, _ := d.Headers["x-request-id"].(string)
			ctx := context.Background()
			err := handler(ctx, requestID, d.Body)
			b.ack(d, err, queue)
		}
	}()

	return nil
}

func (b *amqpBroker) ack(d amqp.Delivery, err error, queue string) {
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.Error("ack failed", zap.String("queue", queue), zap.Error(ackErr))
		}
		return
	}

	requeue := models.IsRetryable(err)
	b.logger.Warn("nacking delivery",
		zap.String("queue", queue),
		zap.Bool("requeue", requeue),
		zap.Error(err),
	)
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		b.logger.Error("nack failed", zap.String("queue", queue), zap.Error(nackErr))
	}
}

func (b *amqpBroker) Close() error {
	if err := b.ch.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"notification-fanout/internal/config"
	"notification-fanout/internal/models"
)

const receiveCountHeader = "x-receive-count"

// AMQPQueue runs the chunk queue on RabbitMQ. Retries go through a TTL queue whose
// dead-letter target is the main queue; exhausted messages land in the .dlq queue.
type AMQPQueue struct {
	conn        *amqp.Connection
	mu          sync.Mutex
	ch          *amqp.Channel
	name        string
	retryName   string
	dlqName     string
	maxReceives int
}

// NewAMQPQueue dials AMQP_URL and declares the main, retry and dead-letter queues.
func NewAMQPQueue(cfg config.Config) (*AMQPQueue, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := &AMQPQueue{
		conn:        conn,
		ch:          ch,
		name:        cfg.QueueName,
		retryName:   cfg.QueueName + ".retry",
		dlqName:     cfg.QueueName + ".dlq",
		maxReceives: cfg.MaxReceives,
	}
	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) declare() error {
	if _, err := q.ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", q.name, err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	}
	if _, err := q.ch.QueueDeclare(q.retryName, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare %s: %w", q.retryName, err)
	}
	if _, err := q.ch.QueueDeclare(q.dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", q.dlqName, err)
	}
	return nil
}

func (q *AMQPQueue) PublishBatch(ctx context.Context, msgs []models.ChunkMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal chunk message: %w", err)
		}
		err = q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    uuid.New().String(),
			Body:         body,
			Headers:      amqp.Table{receiveCountHeader: int32(0)},
		})
		if err != nil {
			return fmt.Errorf("publish chunk message: %w", err)
		}
	}
	return nil
}

// Receive pulls up to max messages without auto-ack. Messages beyond maxReceives are moved
// to the dead-letter queue and not returned.
func (q *AMQPQueue) Receive(ctx context.Context, max int) ([]Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Envelope
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := q.ch.Get(q.name, false)
		if err != nil {
			return out, fmt.Errorf("get: %w", err)
		}
		if !ok {
			break
		}
		receives := receiveCount(d.Headers) + 1
		if q.maxReceives > 0 && receives > q.maxReceives {
			if err := q.forward(ctx, q.dlqName, d.Body, receives, 0); err != nil {
				return out, err
			}
			if err := d.Ack(false); err != nil {
				return out, err
			}
			continue
		}
		env := Envelope{ID: d.MessageId, Receives: receives, tag: d.DeliveryTag}
		if err := json.Unmarshal(d.Body, &env.Message); err != nil {
			env.Malformed = true
		}
		out = append(out, env)
	}
	return out, nil
}

func (q *AMQPQueue) Ack(_ context.Context, env Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Ack(env.tag, false)
}

// Retry republishes the message to the retry queue with a per-message TTL, then acks the
// original delivery.
func (q *AMQPQueue) Retry(ctx context.Context, env Envelope, delay time.Duration) error {
	body, err := json.Marshal(env.Message)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.forward(ctx, q.retryName, body, env.Receives, delay); err != nil {
		return err
	}
	return q.ch.Ack(env.tag, false)
}

func (q *AMQPQueue) forward(ctx context.Context, queue string, body []byte, receives int, delay time.Duration) error {
	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.New().String(),
		Body:         body,
		Headers:      amqp.Table{receiveCountHeader: int32(receives)},
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	if err := q.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Maintain is a no-op: the broker redelivers unacked messages and expires retries itself.
func (q *AMQPQueue) Maintain(context.Context, time.Time) error {
	return nil
}

func (q *AMQPQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, err := q.ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return int64(info.Messages), nil
}

// DLQPeek is not supported without consuming; it reports only the dead-letter count.
func (q *AMQPQueue) DLQPeek(_ context.Context, _ int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, err := q.ch.QueueDeclarePassive(q.dlqName, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("%s: %d messages", q.dlqName, info.Messages)}, nil
}

func (q *AMQPQueue) Close() error {
	var errs []error
	if q.ch != nil {
		errs = append(errs, q.ch.Close())
	}
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
	}
	return errors.Join(errs...)
}

func receiveCount(headers amqp.Table) int {
	switch v := headers[receiveCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

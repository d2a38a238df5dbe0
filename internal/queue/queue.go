package queue

import (
	"context"
	"fmt"
	"time"

	"notification-fanout/internal/config"
	"notification-fanout/internal/models"
)

// publishBatchSize caps how many messages go out in one transport call.
const publishBatchSize = 10

// Envelope is one received chunk message together with its delivery bookkeeping.
type Envelope struct {
	ID       string
	Message  models.ChunkMessage
	Receives int
	// Malformed is set when the stored body could not be decoded; such envelopes should
	// be acknowledged and dropped.
	Malformed bool

	tag uint64
}

// Transport is the contract both queue backends satisfy.
type Transport interface {
	PublishBatch(ctx context.Context, msgs []models.ChunkMessage) error
	Receive(ctx context.Context, max int) ([]Envelope, error)
	Ack(ctx context.Context, env Envelope) error
	Retry(ctx context.Context, env Envelope, delay time.Duration) error
	Maintain(ctx context.Context, now time.Time) error
	Depth(ctx context.Context) (int64, error)
	DLQPeek(ctx context.Context, count int64) ([]string, error)
	Close() error
}

// New builds the transport selected by QUEUE_BACKEND.
func New(cfg config.Config) (Transport, error) {
	switch cfg.QueueBackend {
	case "", "redis":
		return NewRedisQueue(cfg), nil
	case "amqp", "rabbitmq":
		return NewAMQPQueue(cfg)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func chunked(msgs []models.ChunkMessage, size int) [][]models.ChunkMessage {
	var out [][]models.ChunkMessage
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		out = append(out, msgs[start:end])
	}
	return out
}

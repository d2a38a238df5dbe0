package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notification-fanout/internal/config"
	"notification-fanout/internal/models"
)

// RedisQueue keeps chunk messages in a ready list, leases them into an in-flight sorted set
// with a visibility deadline, parks retries in a delayed sorted set and dead-letters messages
// received more than maxReceives times.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	delayedKey    string
	msgPrefix     string
	dlqKey        string
	visibilityTTL time.Duration
	maxReceives   int
	sweepLimit    int64
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.QueueName, cfg.VisibilityTimeout, cfg.MaxReceives)
}

// NewRedisQueueWithClient builds a queue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, name string, visibility time.Duration, maxReceives int) *RedisQueue {
	if name == "" {
		name = "chunks"
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		delayedKey:    name + ":delayed",
		msgPrefix:     name + ":msg:",
		dlqKey:        name + ":dlq",
		visibilityTTL: visibility,
		maxReceives:   maxReceives,
		sweepLimit:    500,
	}
}

func (q *RedisQueue) msgKey(id string) string {
	return q.msgPrefix + id
}

// PublishBatch stores and enqueues msgs, at most publishBatchSize per round trip.
func (q *RedisQueue) PublishBatch(ctx context.Context, msgs []models.ChunkMessage) error {
	for _, group := range chunked(msgs, publishBatchSize) {
		pipe := q.client.TxPipeline()
		for _, m := range group {
			body, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal chunk message: %w", err)
			}
			id := uuid.New().String()
			pipe.HSet(ctx, q.msgKey(id), "body", body, "receives", 0)
			pipe.RPush(ctx, q.readyKey, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("publish chunk batch: %w", err)
		}
	}
	return nil
}

// Receive leases up to max messages. Messages already received maxReceives times are moved
// to the dead-letter list instead of being returned.
func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Envelope, error) {
	var out []Envelope
	for len(out) < max {
		deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
		res, err := dequeueScript.Run(ctx, q.client,
			[]string{q.readyKey, q.inflightKey, q.dlqKey},
			deadline, q.msgPrefix, q.maxReceives,
		).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, err
		}
		env, err := decodeEnvelope(res)
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

func decodeEnvelope(res any) (Envelope, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Envelope{}, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	id, _ := arr[0].(string)
	body, _ := arr[1].(string)
	receives, _ := arr[2].(int64)

	env := Envelope{ID: id, Receives: int(receives)}
	if err := json.Unmarshal([]byte(body), &env.Message); err != nil {
		env.Malformed = true
	}
	return env, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, env Envelope, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: env.ID,
	}).Err()
}

// Ack removes a message from in-flight tracking together with its body.
func (q *RedisQueue) Ack(ctx context.Context, env Envelope) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, env.ID)
	pipe.Del(ctx, q.msgKey(env.ID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and makes the message visible again after delay. A lease that
// already expired and was requeued is left alone so the message is not scheduled twice.
func (q *RedisQueue) Retry(ctx context.Context, env Envelope, delay time.Duration) error {
	return retryScript.Run(ctx, q.client, []string{q.inflightKey, q.delayedKey},
		env.ID, time.Now().Add(delay).UnixMilli()).Err()
}

// Maintain promotes due retries and reclaims expired leases back into the ready list.
func (q *RedisQueue) Maintain(ctx context.Context, now time.Time) error {
	if _, err := q.PromoteDelayed(ctx, now, q.sweepLimit); err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	if _, err := q.RequeueExpired(ctx, now, q.sweepLimit); err != nil {
		return fmt.Errorf("requeue expired: %w", err)
	}
	return nil
}

// PromoteDelayed moves retries whose delay elapsed into the ready list.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.delayedKey, now, limit)
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// Depth returns the number of ready messages.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// DLQPeek reads the oldest dead-lettered message ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQBody returns the stored body of a dead-lettered message for inspection.
func (q *RedisQueue) DLQBody(ctx context.Context, id string) (string, error) {
	return q.client.HGet(ctx, q.msgKey(id), "body").Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var dequeueScript = redis.NewScript(`
local ready, inflight, dlq = KEYS[1], KEYS[2], KEYS[3]
local maxReceives = tonumber(ARGV[3])
while true do
  local id = redis.call('LPOP', ready)
  if not id then
    return nil
  end
  local key = ARGV[2] .. id
  local receives = redis.call('HINCRBY', key, 'receives', 1)
  if maxReceives > 0 and receives > maxReceives then
    redis.call('RPUSH', dlq, id)
  else
    redis.call('ZADD', inflight, ARGV[1], id)
    local body = redis.call('HGET', key, 'body')
    if not body then
      body = ''
    end
    return {id, body, receives}
  end
end
`)

var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)

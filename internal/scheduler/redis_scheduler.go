// Package scheduler keeps one-shot fan-out schedules in Redis: a sorted set of job names by
// fire time and a hash of job name to target.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Target is what a schedule invokes when it fires.
type Target struct {
	NotificationID string `json:"notification_id"`
}

// Claim is a due schedule leased to one dispatcher by ClaimDue. The schedule stays
// registered at LeaseUntil until Complete removes it, so a claim that is never completed
// fires again once the lease runs out.
type Claim struct {
	Name       string
	Target     Target
	LeaseUntil time.Time
}

type RedisScheduler struct {
	client     *redis.Client
	dueKey     string
	targetsKey string
}

func NewRedisScheduler(client *redis.Client, key string) *RedisScheduler {
	if key == "" {
		key = "schedules"
	}
	return &RedisScheduler{
		client:     client,
		dueKey:     key + ":due",
		targetsKey: key + ":targets",
	}
}

// CreateOrUpdateSchedule registers name to fire at fireAt, replacing any previous fire time.
func (s *RedisScheduler) CreateOrUpdateSchedule(ctx context.Context, name string, fireAt time.Time, target Target) error {
	body, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.targetsKey, name, body)
	pipe.ZAdd(ctx, s.dueKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert schedule %s: %w", name, err)
	}
	return nil
}

// CancelSchedule removes name. Cancelling an unknown schedule is not an error.
func (s *RedisScheduler) CancelSchedule(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.dueKey, name)
	pipe.HDel(ctx, s.targetsKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel schedule %s: %w", name, err)
	}
	return nil
}

// FireAt reports the registered fire time of name.
func (s *RedisScheduler) FireAt(ctx context.Context, name string) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, s.dueKey, name).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

// ClaimDue leases up to limit schedules whose fire time is <= now by moving their fire time
// to now+lease. Schedules without a target are dropped.
func (s *RedisScheduler) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Claim, error) {
	leaseUntil := now.Add(lease).UnixMilli()
	res, err := claimScript.Run(ctx, s.client, []string{s.dueKey, s.targetsKey}, now.UnixMilli(), limit, leaseUntil).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	claims := make([]Claim, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		c := Claim{Name: res[i], LeaseUntil: time.UnixMilli(leaseUntil).UTC()}
		if err := json.Unmarshal([]byte(res[i+1]), &c.Target); err != nil {
			return claims, fmt.Errorf("decode target of %s: %w", c.Name, err)
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// Complete removes a claimed schedule. It reports false, leaving the schedule alone, when the
// schedule was re-registered or re-claimed after c was taken.
func (s *RedisScheduler) Complete(ctx context.Context, c Claim) (bool, error) {
	n, err := completeScript.Run(ctx, s.client, []string{s.dueKey, s.targetsKey}, c.Name, c.LeaseUntil.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("complete schedule %s: %w", c.Name, err)
	}
	return n == 1, nil
}

var claimScript = redis.NewScript(`
local names = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, name in ipairs(names) do
  local target = redis.call('HGET', KEYS[2], name)
  if target then
    redis.call('ZADD', KEYS[1], ARGV[3], name)
    table.insert(out, name)
    table.insert(out, target)
  else
    redis.call('ZREM', KEYS[1], name)
  end
end
return out
`)

var completeScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('HDEL', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

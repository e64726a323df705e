package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps ready task ids in a list and leased ones in a sorted set
// scored by lease expiry. Task bodies live in a hash until acked.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	tasksKey      string
	visibilityTTL time.Duration
}

func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "harvestd"
	}
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":queue:ready",
		inflightKey:   prefix + ":queue:inflight",
		tasksKey:      prefix + ":queue:tasks",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) (Handle, error) {
	if err := prepare(&t); err != nil {
		return "", err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.tasksKey, t.ID, body)
	pipe.RPush(ctx, q.readyKey, t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return Handle(t.ID), nil
}

// Dequeue pops the next ready id and leases it for the visibility timeout.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	body, err := q.client.HGet(ctx, q.tasksKey, id).Result()
	if errors.Is(err, redis.Nil) {
		// acked by an earlier delivery
		q.client.ZRem(ctx, q.inflightKey, id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (q *RedisQueue) Ack(ctx context.Context, h Handle) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, string(h))
	pipe.HDel(ctx, q.tasksKey, string(h))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired moves leases that ran past their deadline back to ready.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the number of tasks waiting for a worker.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

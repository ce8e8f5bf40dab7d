package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gustycube/spyder-atlas/internal/types"
)

// DefaultKey is the list scanners push batches onto.
const DefaultKey = "atlas:batches"

type RedisQueue struct {
	cli      *redis.Client
	queueKey string
	procKey  string
	wait     time.Duration
}

type item struct {
	Batch   types.Batch `json:"batch"`
	TS      int64       `json:"ts"`
	Attempt int         `json:"attempt"`
}

func NewRedis(addr, key string, wait time.Duration) (*RedisQueue, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return NewRedisClient(cli, key, wait), nil
}

func NewRedisClient(cli *redis.Client, key string, wait time.Duration) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", wait: wait}
}

// Lease blocks up to the configured wait for the next batch and moves it to
// the processing list. A nil batch with a nil error means the wait expired.
// ack removes the batch from the processing list once it has been applied.
func (q *RedisQueue) Lease(ctx context.Context) (*types.Batch, func() error, error) {
	noop := func() error { return nil }
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, q.wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, noop, nil
	}
	if err != nil {
		return nil, noop, err
	}
	ack := func() error {
		return q.cli.LRem(context.Background(), q.procKey, 1, res).Err()
	}
	var it item
	if err := json.Unmarshal([]byte(res), &it); err != nil {
		// undecodable payloads would otherwise sit in processing forever
		_ = ack()
		return nil, noop, fmt.Errorf("decode batch: %w", err)
	}
	return &it.Batch, ack, nil
}

// Seed pushes a batch onto the queue.
func (q *RedisQueue) Seed(ctx context.Context, b types.Batch) error {
	buf, err := json.Marshal(item{Batch: b, TS: time.Now().UTC().Unix()})
	if err != nil {
		return err
	}
	return q.cli.LPush(ctx, q.queueKey, string(buf)).Err()
}

// Recover moves batches left in the processing list by a crashed consumer
// back onto the queue and returns how many were moved.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.cli.RPopLPush(ctx, q.procKey, q.queueKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Len returns the number of batches waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.cli.LLen(ctx, q.queueKey).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error { return q.cli.Ping(ctx).Err() }

func (q *RedisQueue) Close() error { return q.cli.Close() }

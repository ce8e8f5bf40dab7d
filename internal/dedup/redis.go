package dedup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "atlas:batch:"

type Redis struct {
	cli        *redis.Client
	ttl        time.Duration
	log        *zap.SugaredLogger
	errorCount atomic.Int64
}

func NewRedis(addr string, ttl time.Duration, log *zap.SugaredLogger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return NewRedisClient(cli, ttl, log), nil
}

func NewRedisClient(cli *redis.Client, ttl time.Duration, log *zap.SugaredLogger) *Redis {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Redis{cli: cli, ttl: ttl, log: log}
}

func (r *Redis) Seen(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.cli.SetNX(ctx, keyPrefix+key, 1, r.ttl).Result()
	if err != nil {
		n := r.errorCount.Add(1)
		if n%100 == 1 { // every 100th error
			r.log.Warnw("redis dedup error", "count", n, "err", err)
		}
		return false // be permissive on failure; re-applying a batch is idempotent
	}
	return !ok
}

func (r *Redis) Forget(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.cli.Del(ctx, keyPrefix+key).Err(); err != nil {
		r.log.Warnw("redis dedup forget failed", "key", key, "err", err)
	}
}

// Ping reports whether the backing Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error { return r.cli.Ping(ctx).Err() }

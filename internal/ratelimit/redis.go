package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements CounterStore over a Redis connection. The increment
// and the conditional expire run in one pipeline; EXPIRE NX only sets the
// TTL when the key has none, i.e. on the first increment of a window.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects a counter store to a Redis instance.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
		}),
	}
}

// Incr implements CounterStore.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("counter incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Ping implements CounterStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("counter store ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error { return s.rdb.Close() }

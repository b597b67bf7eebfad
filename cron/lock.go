package cron

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "shuttle:cron:"

// RedisLocker implements Locker with SET NX and a TTL: creation is
// atomic across the cluster, and a crashed holder's key expires on its
// own so future ticks are never wedged.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLocker(addr string, ttl time.Duration) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (bool, error) {
	return l.rdb.SetNX(ctx, lockPrefix+key, 1, l.ttl).Result()
}

// Release is best-effort; an expired or already-deleted key is fine.
func (l *RedisLocker) Release(ctx context.Context, key string) {
	l.rdb.Del(ctx, lockPrefix+key)
}

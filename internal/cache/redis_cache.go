package cache

import (
	"context"
	"errors"
	"time"

	"comm_dispatch/internal/metrics"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	c *redis.Client
}

func NewRedisCache(addr, password string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{c: rdb}
}

func (r *RedisCache) Close() error { return r.c.Close() }

func (r *RedisCache) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }

// operation labels
const (
	opGet    = "get"
	opSet    = "set"
	opDelete = "delete"
	opLock   = "lock"
	opIncr   = "incr"
)

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	b, err := r.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveRedis(opGet, start, nil)
		metrics.IncRedisMiss()
		return nil, false, nil
	}
	metrics.ObserveRedis(opGet, start, err)
	if err != nil {
		return nil, false, err
	}
	metrics.IncRedisHit()
	return b, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := r.c.Set(ctx, key, value, ttl).Err()
	metrics.ObserveRedis(opSet, start, err)
	return err
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := r.c.Del(ctx, keys...).Err()
	metrics.ObserveRedis(opDelete, start, err)
	return err
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := r.c.SetNX(ctx, key, value, ttl).Result()
	metrics.ObserveRedis(opLock, start, err)
	return ok, err
}

func (r *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	start := time.Now()
	var incr *redis.IntCmd
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	metrics.ObserveRedis(opIncr, start, err)
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// RawClient exposes the client for the in-app adapter and the memory collector.
func (r *RedisCache) RawClient() *redis.Client { return r.c }

package cache

import (
	"context"
	"time"
)

// Cache is the small Redis surface the service needs: a read-through view cache
// and short-lived locks.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr bumps a counter and resets its expiry, returning the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Close() error
}

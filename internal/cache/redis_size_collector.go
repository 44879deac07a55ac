package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"comm_dispatch/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartRedisSizeCollector polls INFO memory so inbox growth is visible.
func StartRedisSizeCollector(ctx context.Context, client *redis.Client, interval time.Duration, logger *zap.Logger) {
	if client == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		update := func() {
			info, err := client.Info(ctx, "memory").Result()
			if err != nil {
				metrics.IncRedisError("info")
				logger.Debug("redis info memory", zap.Error(err))
				return
			}
			if n, ok := parseUsedMemory(info); ok {
				metrics.SetRedisUsedMemory(n)
			}
		}

		update()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				update()
			}
		}
	}()
}

// parseUsedMemory finds the used_memory:<bytes> line of an INFO reply.
func parseUsedMemory(info string) (int64, bool) {
	for _, line := range strings.Split(info, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "keygate:ratelimit:"

// RedisLimiter is a fixed-window counter shared across service instances.
// A per-instance memory limiter resets on every redeploy; backing the
// counters with redis gives the multi-instance deployment a single budget
// per caller. On a redis failure it lets the request through, since the
// limiter is best-effort by contract.
type RedisLimiter struct {
	client      *redis.Client
	window      time.Duration
	maxAttempts int
	logger      *zap.Logger
}

var _ Limiter = (*RedisLimiter)(nil)

func NewRedisLimiter(client *redis.Client, window time.Duration, maxAttempts int, logger *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:      client,
		window:      window,
		maxAttempts: maxAttempts,
		logger:      logger.Named("RedisLimiter"),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, identity string) bool {
	redisKey := redisKeyPrefix + identity

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		l.logger.Warn("Rate limit counter unavailable, allowing request", zap.String("identity", identity), zap.Error(err))
		return true
	}

	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			l.logger.Warn("Failed to set rate limit window expiry", zap.String("identity", identity), zap.Error(err))
		}
	}

	return count <= int64(l.maxAttempts)
}

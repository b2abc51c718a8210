package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/pitchtrainer/pkg/response"
)

// LimitStore counts requests per key within a fixed window.
type LimitStore interface {
	// Hit increments key and returns the new count and the time left in
	// the window.
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RedisLimitStore keeps counters in Redis so limits hold across replicas.
type RedisLimitStore struct {
	redis *redis.Client
}

func NewRedisLimitStore(redisClient *redis.Client) *RedisLimitStore {
	return &RedisLimitStore{redis: redisClient}
}

func (s *RedisLimitStore) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return incr.Val(), ttl.Val(), nil
}

type RateLimiter struct {
	store  LimitStore
	logger *slog.Logger
}

func NewRateLimiter(store LimitStore, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{store: store, logger: logger}
}

// Limit creates a rate limiting middleware keyed by client IP
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, c.IP())
		count, ttl, err := rl.store.Hit(c.UserContext(), key, window)
		if err != nil {
			// If the counter store fails, allow the request but log the error
			rl.logger.Warn("rate limit store unavailable", slog.String("error", err.Error()))
			return c.Next()
		}

		if count > int64(maxRequests) {
			retryAfter := int(ttl.Seconds())
			c.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			return response.RateLimited(c, retryAfter)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// UploadLimit returns the limiter for song uploads
func (rl *RateLimiter) UploadLimit(maxRequests int, window time.Duration) fiber.Handler {
	return rl.Limit("upload", maxRequests, window)
}

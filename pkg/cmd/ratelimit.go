package cmd

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/castellanhq/castellan/pkg/ratelimit"
)

// NewLimiter picks the webhook rate limiter implementation. With a redis
// URL the window counters are shared across API replicas; without one the
// limiter is process-local.
func NewLimiter(redisURL string) ratelimit.Limiter {
	if redisURL == "" {
		return ratelimit.NewMemoryLimiter()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("failed to parse redis URL: %w", err))
	}

	return ratelimit.NewRedisLimiter(redis.NewClient(opts), "")
}

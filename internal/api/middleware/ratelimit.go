package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Counter counts hits for a key within a fixed window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter is a fixed-window counter shared by every API instance.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := r.client.PExpire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// RateLimiter throttles anonymous capability token lookups per client IP.
type RateLimiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	prefix  string
	logger  *zap.Logger
}

func NewRateLimiter(counter Counter, limit int, window time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		limit:   int64(limit),
		window:  window,
		prefix:  "esign:ratelimit:token:",
		logger:  logger,
	}
}

// Limit rejects requests above the limit with 429. Counter failures let the
// request through.
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.prefix + c.ClientIP()
		ctx, cancel := context.WithTimeout(c.Request.Context(), 250*time.Millisecond)
		n, err := rl.counter.Incr(ctx, key, rl.window)
		cancel()
		if err != nil {
			rl.logger.Warn("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(rl.limit, 10))
		remaining := rl.limit - n
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if n > rl.limit {
			rl.logger.Info("Token lookup rate limited",
				zap.String("client_ip", c.ClientIP()),
				zap.Int64("count", n))
			c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":      "RateLimited",
					"message":   fmt.Sprintf("more than %d requests per %s", rl.limit, rl.window),
					"retryable": true,
				},
			})
			return
		}
		c.Next()
	}
}

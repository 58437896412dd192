package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisLimitPrefix = "trust:ratelimit:"

// RedisRateLimiter returns a Gin middleware that allows limit requests per
// key per fixed window, counted in Redis so every trustd replica shares the
// budget. While Redis is unreachable each request is handed to fallback.
func RedisRateLimiter(client *redis.Client, limit int, window time.Duration, key KeyFunc, fallback gin.HandlerFunc, logger *zap.Logger) gin.HandlerFunc {
	if window <= 0 {
		window = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		now := time.Now()
		slot := now.UnixNano() / int64(window)
		k := fmt.Sprintf("%s%s:%d", redisLimitPrefix, key(c), slot)

		var incr *redis.IntCmd
		_, err := client.TxPipelined(c.Request.Context(), func(p redis.Pipeliner) error {
			incr = p.Incr(c.Request.Context(), k)
			p.Expire(c.Request.Context(), k, 2*window)
			return nil
		})
		if err != nil {
			logger.Warn("redis rate limit unavailable, using local limiter", zap.Error(err))
			fallback(c)
			return
		}

		if incr.Val() > int64(limit) {
			reset := time.Unix(0, (slot+1)*int64(window))
			tooManyRequests(c, reset.Sub(now))
			return
		}
		c.Next()
	}
}

package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OpenRedis connects to the rate limit Redis. It returns nil when url is
// empty or the server cannot be reached; trustd then limits per process.
func OpenRedis(ctx context.Context, url string, logger *zap.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("server.redis_url is invalid, using the in-process rate limiter", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using the in-process rate limiter", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("connected to redis", zap.String("addr", opts.Addr))
	return client
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/internal/config"
)

const redisOpTimeout = 2 * time.Second

// Redis shares the cache between processes.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to cfg.RedisAddr and verifies it with a ping.
func NewRedis(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger = logger.Named("cache")
	logger.Info("Resolution cache connected.", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.TTL))
	return &Redis{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL, logger: logger}, nil
}

func (r *Redis) redisKey(origin, target string) string {
	return r.prefix + key(origin, target)
}

func (r *Redis) Get(ctx context.Context, origin, target string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	v, err := r.client.Get(ctx, r.redisKey(origin, target)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Cache read failed.", zap.Error(err))
		}
		return "", false
	}
	return v, true
}

func (r *Redis) Put(ctx context.Context, origin, target, locator string) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.redisKey(origin, target), locator, r.ttl).Err(); err != nil {
		r.logger.Warn("Cache write failed.", zap.Error(err))
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

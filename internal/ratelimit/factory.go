package ratelimit

import (
	"github.com/redis/go-redis/v9"

	"github.com/edgegate/edgegate/internal/config"
)

// New builds the limiter the configuration asks for. Disabled rate
// limiting yields a NoopLimiter so the pipeline never branches.
func New(cfg config.RateLimitConfig, opts ...Option) (Limiter, error) {
	if !cfg.Enabled {
		return NewNoopLimiter(), nil
	}

	if cfg.Store == "redis" {
		o := defaultOptions()
		for _, opt := range opts {
			opt(&o)
		}

		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout.Duration(),
			ReadTimeout:  cfg.Redis.ReadTimeout.Duration(),
			WriteTimeout: cfg.Redis.WriteTimeout.Duration(),
		})

		redisOpts := []RedisLimiterOption{
			WithRedisLimiterLogger(o.logger),
			WithFailOpen(cfg.FailOpen),
		}
		if cfg.Redis.KeyPrefix != "" {
			redisOpts = append(redisOpts, WithKeyPrefix(cfg.Redis.KeyPrefix))
		}

		return NewRedisSlidingWindow(client, cfg.Requests, cfg.Window.Duration(), redisOpts...), nil
	}

	limiterOpts := append([]Option{WithIdleFactor(cfg.IdleFactor)}, opts...)

	if cfg.Algorithm == "token_bucket" {
		if cfg.Burst > 0 {
			limiterOpts = append(limiterOpts, WithBurst(cfg.Burst))
		}
		return NewTokenBucket(cfg.Requests, cfg.Window.Duration(), limiterOpts...), nil
	}

	return NewSlidingWindow(cfg.Requests, cfg.Window.Duration(), limiterOpts...), nil
}

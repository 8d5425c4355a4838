package ratelimit

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgegate/edgegate/internal/observability"
)

// Compile-time checks.
var (
	_ Limiter   = (*RedisSlidingWindowLimiter)(nil)
	_ io.Closer = (*RedisSlidingWindowLimiter)(nil)
)

// slidingWindowScript admits one request against a sorted set of
// admission times. Atomic, so concurrent gateways sharing the store
// cannot overshoot the limit. Returns {allowed, remaining, retry_ms}
// where retry_ms is the time until the oldest counted admission leaves
// the window.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now_ms = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)
	local count = redis.call('ZCARD', key)

	local allowed = 0
	if count < limit then
		redis.call('ZADD', key, now_ms, now_ms .. '-' .. math.random())
		count = count + 1
		allowed = 1
	end

	redis.call('PEXPIRE', key, window_ms + 1000)

	local retry_ms = 0
	if allowed == 0 then
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		if #oldest > 0 then
			retry_ms = tonumber(oldest[2]) + window_ms - now_ms
			if retry_ms < 0 then
				retry_ms = 0
			end
		end
	end

	return {allowed, limit - count, retry_ms}
`)

// RedisSlidingWindowLimiter shares one sliding window per key across
// gateway instances. Keys expire window+1s after their last admission,
// so eviction needs no janitor here.
type RedisSlidingWindowLimiter struct {
	client    redis.UniversalClient
	limit     int
	window    time.Duration
	keyPrefix string
	failOpen  bool
	logger    observability.Logger
}

// RedisLimiterOption is a functional option for the Redis limiter.
type RedisLimiterOption func(*RedisSlidingWindowLimiter)

// WithKeyPrefix namespaces limiter keys in a shared Redis.
func WithKeyPrefix(prefix string) RedisLimiterOption {
	return func(l *RedisSlidingWindowLimiter) {
		l.keyPrefix = prefix
	}
}

// WithFailOpen admits requests when the store errors instead of
// rejecting them. Off by default.
func WithFailOpen(failOpen bool) RedisLimiterOption {
	return func(l *RedisSlidingWindowLimiter) {
		l.failOpen = failOpen
	}
}

// WithRedisLimiterLogger sets the logger.
func WithRedisLimiterLogger(logger observability.Logger) RedisLimiterOption {
	return func(l *RedisSlidingWindowLimiter) {
		l.logger = logger
	}
}

// NewRedisSlidingWindow creates a Redis-backed sliding window limiter
// on an existing client.
func NewRedisSlidingWindow(
	client redis.UniversalClient, limit int, window time.Duration, opts ...RedisLimiterOption,
) *RedisSlidingWindowLimiter {
	l := &RedisSlidingWindowLimiter{
		client:    client,
		limit:     limit,
		window:    window,
		keyPrefix: "ratelimit:",
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow implements Limiter. Store errors reject the request unless the
// limiter is configured to fail open.
func (l *RedisSlidingWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	raw, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.keyPrefix + key},
		l.limit,
		l.window.Milliseconds(),
		time.Now().UnixMilli(),
	).Result()
	if err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit store unavailable, failing open",
				observability.String("key", key),
				observability.Error(err),
			)
			return &Result{Allowed: true, Limit: l.limit}, nil
		}
		return nil, fmt.Errorf("rate limit store: %w", err)
	}

	return parseScriptResult(raw, l.limit)
}

// Ping verifies store connectivity, for readiness checks.
func (l *RedisSlidingWindowLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (l *RedisSlidingWindowLimiter) Close() error {
	return l.client.Close()
}

// parseScriptResult unpacks the {allowed, remaining, retry_ms} reply.
func parseScriptResult(raw interface{}, limit int) (*Result, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected script result: %v", raw)
	}

	allowed := false
	if v, ok := values[0].(int64); ok && v == 1 {
		allowed = true
	}

	remaining := 0
	if v, ok := values[1].(int64); ok && v > 0 {
		remaining = int(v)
	}

	var retryAfter time.Duration
	if v, ok := values[2].(int64); ok && !allowed {
		retryAfter = time.Duration(v) * time.Millisecond
	}

	return &Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}, nil
}

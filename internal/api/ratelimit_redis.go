package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements SharedLimiter with INCR/PEXPIRE fixed windows, so
// every instance behind a load balancer sees the same counts.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// RedisLimiterConfig configures the Redis connection.
type RedisLimiterConfig struct {
	Addr     string
	Password string
	Prefix   string
	Timeout  time.Duration
}

// NewRedisLimiter connects to Redis. The connection is lazy; failures show up
// as errors from Allow.
func NewRedisLimiter(cfg RedisLimiterConfig) *RedisLimiter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   1,
	})
	return NewRedisLimiterWithClient(client, cfg.Prefix)
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "photodrop:ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if window < time.Millisecond {
		window = time.Second
	}
	k := l.prefix + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, k, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		// the key lost its expiry; start a new window
		if err := l.client.PExpire(ctx, k, window).Err(); err != nil {
			return false, 0, err
		}
		ttl = window
	}
	return false, ttl, nil
}

// Close closes the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

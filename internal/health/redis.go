package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisChecker reports whether the lock and rate-limit Redis answers PING.
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends a PING command.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	return r.client.Ping(ctx).Err()
}

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockKey is the Redis key holding the scheduler leadership token.
const DefaultLockKey = "slotcast:scheduler:leader"

// extendScript refreshes the TTL only if the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// lockClient is the subset of *redis.Client the locker uses.
type lockClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker is a Locker backed by a single Redis key with a TTL.
// The holder renews the key on every tick; if it stops ticking the key
// expires and another replica takes over.
type RedisLocker struct {
	client lockClient
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLocker creates a locker. ttl should be a few scheduler intervals.
func NewRedisLocker(client lockClient, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLocker{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire takes the lock if it is free, or extends it if already held.
func (l *RedisLocker) Acquire(ctx context.Context) (bool, error) {
	extended, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend scheduler lock: %w", err)
	}
	if extended == 1 {
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	return ok, nil
}

// Release gives up the lock if this locker holds it.
func (l *RedisLocker) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release scheduler lock: %w", err)
	}
	return nil
}

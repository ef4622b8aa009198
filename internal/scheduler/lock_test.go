package scheduler

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// TestRedisLocker requires a Redis instance on localhost:6379 and is skipped otherwise.
func TestRedisLocker(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	key := "slotcast:test:leader:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(context.Background(), key)

	a := NewRedisLocker(client, key, 5*time.Second)
	b := NewRedisLocker(client, key, 5*time.Second)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v; want true", ok, err)
	}
	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Errorf("re-Acquire by holder = %v, %v; want true", ok, err)
	}
	if ok, err := b.Acquire(ctx); err != nil || ok {
		t.Errorf("Acquire by other replica = %v, %v; want false", ok, err)
	}

	// Releasing from a non-holder must not free the lock.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Error("lock was freed by a non-holder")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, err := b.Acquire(ctx); err != nil || !ok {
		t.Errorf("Acquire after release = %v, %v; want true", ok, err)
	}
}

func TestNewRedisLocker_DefaultKey(t *testing.T) {
	l := NewRedisLocker(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "", time.Second)
	if l.key != DefaultLockKey {
		t.Errorf("key = %q, want %q", l.key, DefaultLockKey)
	}
	if l.token == "" {
		t.Error("expected a random token")
	}
}

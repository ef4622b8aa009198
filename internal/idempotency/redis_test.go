package idempotency

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRepository_StoreAndGet(t *testing.T) {
	client := redisClient(t)
	repo := NewRedisRepository(client)
	ctx := context.Background()
	key := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(ctx, repo.prefix+key)

	if _, err := repo.Get(ctx, key); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}

	rec := &Record{Key: key, Method: "POST", Route: "/bookings", StatusCode: 201, Body: `{"id":7}`}
	if err := repo.Store(ctx, rec, time.Minute); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, rec, time.Minute); !errors.Is(err, ErrKeyExists) {
		t.Errorf("duplicate Store() error = %v, want %v", err, ErrKeyExists)
	}

	got, err := repo.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Body != rec.Body || got.StatusCode != rec.StatusCode {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}

	ttl := client.TTL(ctx, repo.prefix+key).Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

package middleware

import (
	"context"
	"strconv"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
)

// redisClient connects to a local Redis or skips the test.
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

func TestRedisRateLimitStore_Allow(t *testing.T) {
	client := redisClient(t)
	store := NewRedisRateLimitStore(client)
	cfg := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	key := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ctx := context.Background()
	defer client.Del(ctx, store.prefix+key)

	for i := 0; i < 3; i++ {
		if ok, _ := store.Allow(ctx, key, cfg); !ok {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	ok, retryAfter := store.Allow(ctx, key, cfg)
	if ok {
		t.Error("4th request should be blocked")
	}
	if retryAfter < 1 || retryAfter > 60 {
		t.Errorf("retryAfter = %d, want 1..60", retryAfter)
	}
}

func TestRedisRateLimitStore_WindowExpiry(t *testing.T) {
	client := redisClient(t)
	store := NewRedisRateLimitStore(client)
	cfg := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 100 * time.Millisecond}
	key := "test-expiry-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	ctx := context.Background()
	defer client.Del(ctx, store.prefix+key)

	if ok, _ := store.Allow(ctx, key, cfg); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _ := store.Allow(ctx, key, cfg); ok {
		t.Fatal("second request should be blocked")
	}
	time.Sleep(150 * time.Millisecond)
	if ok, _ := store.Allow(ctx, key, cfg); !ok {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRedisRateLimitStore_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	metrics := NewMetrics()
	store := NewRedisRateLimitStore(client).WithMetrics(metrics)
	cfg := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}

	for i := 0; i < 3; i++ {
		if ok, _ := store.Allow(context.Background(), "k", cfg); !ok {
			t.Errorf("request %d should be allowed when Redis is down", i+1)
		}
	}
	var m dto.Metric
	if err := metrics.rateLimitRedisErrors.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Errorf("redis errors = %v, want 3", got)
	}
}

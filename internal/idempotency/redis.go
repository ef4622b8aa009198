package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces idempotency keys in Redis.
const DefaultRedisPrefix = "slotcast:idem:"

// RedisRepository implements Repository with one expiring Redis key per record,
// so stored responses are shared across replicas.
type RedisRepository struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRepository creates a Redis-backed repository.
func NewRedisRepository(client redis.Cmdable) *RedisRepository {
	return &RedisRepository{client: client, prefix: DefaultRedisPrefix}
}

func (r *RedisRepository) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRepository) Store(ctx context.Context, record *Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.prefix+record.Key, raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memEntry struct {
	record    Record
	expiresAt time.Time
}

// InMemoryRepository implements Repository for a single replica.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]memEntry
	now  func() time.Time
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys: make(map[string]memEntry),
		now:  time.Now,
	}
}

func (r *InMemoryRepository) Get(ctx context.Context, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.keys[key]
	if !ok || !r.now().Before(e.expiresAt) {
		return nil, ErrKeyNotFound
	}
	rec := e.record
	return &rec, nil
}

func (r *InMemoryRepository) Store(ctx context.Context, record *Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.keys[record.Key]; ok && now.Before(e.expiresAt) {
		return ErrKeyExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	r.keys[record.Key] = memEntry{record: *record, expiresAt: now.Add(ttl)}
	return nil
}

// Cleanup drops expired records and returns how many were removed.
func (r *InMemoryRepository) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	deleted := 0
	for key, e := range r.keys {
		if !now.Before(e.expiresAt) {
			delete(r.keys, key)
			deleted++
		}
	}
	if deleted > 0 {
		slog.Debug("cleaned up idempotency keys", "deleted", deleted)
	}
	return deleted
}

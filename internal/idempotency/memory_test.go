package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryRepository_StoreAndGet(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get() error = %v, want %v", err, ErrKeyNotFound)
	}

	rec := &Record{Key: "0xabc:k1", Method: "POST", Route: "/bookings", StatusCode: 201, Body: `{"id":7}`}
	if err := repo.Store(ctx, rec, time.Hour); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected Store to set CreatedAt")
	}

	got, err := repo.Get(ctx, "0xabc:k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Body != rec.Body || got.StatusCode != 201 {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}

	got.Body = "mutated"
	again, _ := repo.Get(ctx, "0xabc:k1")
	if again.Body != rec.Body {
		t.Error("expected stored record to be isolated from caller mutation")
	}

	if err := repo.Store(ctx, &Record{Key: "0xabc:k1"}, time.Hour); !errors.Is(err, ErrKeyExists) {
		t.Errorf("duplicate Store() error = %v, want %v", err, ErrKeyExists)
	}
}

func TestInMemoryRepository_Expiry(t *testing.T) {
	repo := NewInMemoryRepository()
	now := time.Unix(1_700_000_000, 0)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	if err := repo.Store(ctx, &Record{Key: "old"}, time.Minute); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, &Record{Key: "fresh"}, time.Hour); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := repo.Get(ctx, "old"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expired Get() error = %v, want %v", err, ErrKeyNotFound)
	}
	if err := repo.Store(ctx, &Record{Key: "old"}, time.Minute); err != nil {
		t.Errorf("expected expired key to be reusable, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if n := repo.Cleanup(); n != 1 {
		t.Errorf("Cleanup() = %d, want 1", n)
	}
	if _, err := repo.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh key should survive cleanup, got %v", err)
	}
}

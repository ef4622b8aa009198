package booking

import (
	"context"
	"errors"
	"testing"
)

func ids(bs []Booking) []int64 {
	out := make([]int64, len(bs))
	for i, b := range bs {
		out[i] = b.ID
	}
	return out
}

func TestInMemoryStore_WindowBoundaries(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	b := &Booking{Location: "loc", StartDate: 1000, Duration: 500}
	if err := store.Insert(ctx, b); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	tests := []struct {
		now      int64
		starting bool
	}{
		{999, false},
		{1000, true},
		{1499, true},
		{1500, false},
	}
	for _, tt := range tests {
		got, err := store.ListStartingNow(ctx, tt.now)
		if err != nil {
			t.Fatalf("ListStartingNow(%d): %v", tt.now, err)
		}
		if (len(got) == 1) != tt.starting {
			t.Errorf("ListStartingNow(%d) = %v, want starting=%v", tt.now, ids(got), tt.starting)
		}
	}

	if err := store.SetLive(ctx, []int64{b.ID}, true, 1000); err != nil {
		t.Fatalf("SetLive failed: %v", err)
	}
	if got, _ := store.ListElapsedLive(ctx, 1499); len(got) != 0 {
		t.Errorf("elapsed at 1499 = %v, want none", ids(got))
	}
	if got, _ := store.ListElapsedLive(ctx, 1500); len(got) != 1 {
		t.Errorf("elapsed at 1500 = %v, want [%d]", ids(got), b.ID)
	}
}

func TestInMemoryStore_FinishedNeverRestarts(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	b := &Booking{Location: "loc", StartDate: 1000, Duration: 500}
	if err := store.Insert(ctx, b); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.SetLive(ctx, []int64{b.ID}, true, 1000); err != nil {
		t.Fatalf("SetLive failed: %v", err)
	}
	if err := store.SetLive(ctx, []int64{b.ID}, false, 1200); err != nil {
		t.Fatalf("SetLive failed: %v", err)
	}
	if got, _ := store.ListStartingNow(ctx, 1300); len(got) != 0 {
		t.Errorf("finished booking re-entered starting set: %v", ids(got))
	}
}

func TestInMemoryStore_LiveBookingForSlot(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	store.AddSlot(Slot{ID: 5, Location: "loc"})

	if _, err := store.LiveBookingForSlot(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown slot error = %v, want ErrNotFound", err)
	}

	got, err := store.LiveBookingForSlot(ctx, 5)
	if err != nil || got != nil {
		t.Fatalf("LiveBookingForSlot = %v, %v; want nil, nil", got, err)
	}

	b := &Booking{Location: "loc", StartDate: 0, Duration: 100}
	_ = store.Insert(ctx, b)
	_ = store.SetLive(ctx, []int64{b.ID}, true, 0)

	got, err = store.LiveBookingForSlot(ctx, 5)
	if err != nil || got == nil || *got != b.ID {
		t.Fatalf("LiveBookingForSlot = %v, %v; want %d", got, err, b.ID)
	}
}

func TestInMemoryStore_StreamingTarget(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	store.AddLocation(Location{ID: "loc", Scene: "0,0:realm:net:"})
	store.AddSlot(Slot{ID: 1, Location: "loc"})

	target, _ := store.StreamingTarget(ctx, "loc")
	if target.SupportsStreaming {
		t.Error("expected no streaming without a streaming slot")
	}

	store.AddSlot(Slot{ID: 2, Location: "loc", SupportsStreaming: true})
	target, _ = store.StreamingTarget(ctx, "loc")
	if !target.SupportsStreaming || target.Scene != "0,0:realm:net:" {
		t.Errorf("target = %+v", target)
	}
}

func TestInMemoryStore_UpdatePreservesLiveFlag(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	b := &Booking{Location: "loc", StartDate: 0, Duration: 100}
	_ = store.Insert(ctx, b)
	_ = store.SetLive(ctx, []int64{b.ID}, true, 0)

	patch := &Booking{ID: b.ID, Location: "loc", StartDate: 0, Duration: 100, Title: "new"}
	if err := store.Update(ctx, patch); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := store.Get(ctx, b.ID)
	if !got.IsLive || got.Title != "new" {
		t.Errorf("got %+v", got)
	}
}

func TestInMemoryStore_RejectsOverlap(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	first := &Booking{Location: "loc", StartDate: 1000, Duration: 500}
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	tests := []struct {
		name    string
		b       Booking
		wantErr error
	}{
		{"inside", Booking{Location: "loc", StartDate: 1100, Duration: 100}, ErrConflict},
		{"covering", Booking{Location: "loc", StartDate: 900, Duration: 1000}, ErrConflict},
		{"touching end", Booking{Location: "loc", StartDate: 1500, Duration: 100}, nil},
		{"touching start", Booking{Location: "loc", StartDate: 800, Duration: 200}, nil},
		{"other location", Booking{Location: "other", StartDate: 1000, Duration: 500}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.b
			err := store.Insert(ctx, &b)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Insert error = %v, want %v", err, tt.wantErr)
			}
			if err == nil {
				_ = store.Delete(ctx, b.ID)
			}
		})
	}

	second := &Booking{Location: "loc", StartDate: 2000, Duration: 500}
	if err := store.Insert(ctx, second); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	moved := *second
	moved.StartDate = 1400
	if err := store.Update(ctx, &moved); !errors.Is(err, ErrConflict) {
		t.Errorf("Update into occupied window error = %v, want ErrConflict", err)
	}
	if got, _ := store.Get(ctx, second.ID); got.StartDate != 2000 {
		t.Errorf("rejected update was stored: start = %d", got.StartDate)
	}
	moved.StartDate = 1500
	if err := store.Update(ctx, &moved); err != nil {
		t.Errorf("Update to adjacent window failed: %v", err)
	}
}

package booking

import (
	"errors"
	"math/rand"
	"testing"
)

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Window
		want bool
	}{
		{
			name: "touching end to start",
			a:    Window{Location: "loc", Start: 1000, Duration: 500},
			b:    Window{Location: "loc", Start: 1500, Duration: 500},
			want: false,
		},
		{
			name: "one millisecond inside",
			a:    Window{Location: "loc", Start: 1000, Duration: 500},
			b:    Window{Location: "loc", Start: 1499, Duration: 500},
			want: true,
		},
		{
			name: "contained",
			a:    Window{Location: "loc", Start: 1000, Duration: 5000},
			b:    Window{Location: "loc", Start: 2000, Duration: 100},
			want: true,
		},
		{
			name: "identical",
			a:    Window{Location: "loc", Start: 1000, Duration: 500},
			b:    Window{Location: "loc", Start: 1000, Duration: 500},
			want: true,
		},
		{
			name: "before",
			a:    Window{Location: "loc", Start: 0, Duration: 999},
			b:    Window{Location: "loc", Start: 1000, Duration: 500},
			want: false,
		},
		{
			name: "different location",
			a:    Window{Location: "a", Start: 1000, Duration: 500},
			b:    Window{Location: "b", Start: 1000, Duration: 500},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlaps(tt.a, tt.b); got != tt.want {
				t.Errorf("Overlaps(a, b) = %v, want %v", got, tt.want)
			}
			if got := Overlaps(tt.b, tt.a); got != tt.want {
				t.Errorf("Overlaps(b, a) = %v, want %v", got, tt.want)
			}
		})
	}
}

// bruteOverlap checks every integer instant of both windows.
func bruteOverlap(a, b Window) bool {
	if a.Location != b.Location {
		return false
	}
	for t := a.Start; t < a.End(); t++ {
		if t >= b.Start && t < b.End() {
			return true
		}
	}
	return false
}

func TestOverlaps_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		a := Window{Location: "loc", Start: rng.Int63n(100), Duration: 1 + rng.Int63n(40)}
		b := Window{Location: "loc", Start: rng.Int63n(100), Duration: 1 + rng.Int63n(40)}
		if got, want := Overlaps(a, b), bruteOverlap(a, b); got != want {
			t.Fatalf("Overlaps(%+v, %+v) = %v, brute force says %v", a, b, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	existing := []Window{
		{Location: "loc", Start: 1000, Duration: 500, BookingID: 7},
		{Location: "other", Start: 1500, Duration: 500, BookingID: 8},
	}

	if err := Validate("loc", 1500, 500, existing); err != nil {
		t.Errorf("adjacent window rejected: %v", err)
	}
	if err := Validate("other", 0, 1000, existing); err != nil {
		t.Errorf("non-overlapping window rejected: %v", err)
	}

	err := Validate("loc", 1200, 100, existing)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := Validate("loc", 0, 100, nil); err != nil {
		t.Errorf("empty existing set rejected: %v", err)
	}
}

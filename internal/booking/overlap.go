package booking

import "fmt"

// Window is a half-open time range [Start, Start+Duration) at a location.
type Window struct {
	Location  string
	Start     int64
	Duration  int64
	BookingID int64
}

// End returns the exclusive end of the window.
func (w Window) End() int64 {
	return w.Start + w.Duration
}

// Overlaps reports whether two windows at the same location conflict.
// Windows that only touch at an endpoint do not conflict.
func Overlaps(a, b Window) bool {
	if a.Location != b.Location {
		return false
	}
	return a.Start < b.End() && b.Start < a.End()
}

// Validate checks a proposed window against existing windows and returns
// an error wrapping ErrConflict for the first conflicting window.
func Validate(location string, start, duration int64, existing []Window) error {
	proposed := Window{Location: location, Start: start, Duration: duration}
	for _, w := range existing {
		if Overlaps(proposed, w) {
			return fmt.Errorf("%w: booking %d [%d, %d)", ErrConflict, w.BookingID, w.Start, w.End())
		}
	}
	return nil
}

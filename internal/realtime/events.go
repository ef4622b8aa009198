package realtime

import (
	"github.com/onnwee/slotcast/internal/booking"
)

// Event types sent to clients.
const (
	EventBookingsStarted   = "bookings_started"
	EventBookingsFinished  = "bookings_finished"
	EventBookingsReplaced  = "bookings_replaced"
	EventSlotChanged       = "slot-changed"
	EventInitBookingStates = "init_booking_states"
	closestBookingPrefix   = "closest-booking-"
)

// Envelope is the wire format of every message: {"type": ..., "data": ...}.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// BookingsPayload is the data of bookings_started and bookings_finished.
type BookingsPayload struct {
	Location string            `json:"location"`
	Bookings []booking.Booking `json:"bookings"`
}

// ReplacedPayload is the data of bookings_replaced.
type ReplacedPayload struct {
	Location string            `json:"location"`
	Started  []booking.Booking `json:"started"`
	Finished []booking.Booking `json:"finished"`
}

// SlotChange reports that the content of a slot changed for a booking.
// A nil Booking refers to the location's default content.
type SlotChange struct {
	Slot    int64  `json:"slot"`
	Booking *int64 `json:"booking"`
}

// ClosestBookingEvent returns the event type for a closest-booking action.
func ClosestBookingEvent(action string) string {
	return closestBookingPrefix + action
}

// Package booking provides the reservation data model, the overlap validator,
// persistence (in-memory and PostgreSQL) and the request-path operations that
// create, update and delete reservations.
package booking

import "errors"

// Sentinel errors for booking operations.
var (
	ErrNotFound        = errors.New("booking not found")
	ErrConflict        = errors.New("booking overlaps an existing booking")
	ErrForbidden       = errors.New("not allowed to modify booking")
	ErrInvalidDuration = errors.New("booking duration out of range")
	ErrInvalidLocation = errors.New("location does not accept bookings")
	ErrInvalidScene    = errors.New("invalid scene descriptor")
)

// Booking is a reservation of a location for a time window.
// All timestamps are unix milliseconds.
type Booking struct {
	ID           int64   `json:"id"`
	Owner        string  `json:"owner"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	StartDate    int64   `json:"start_date"`
	Duration     int64   `json:"duration"`
	CreationDate int64   `json:"creation_date"`
	EventDate    *int64  `json:"event_date"`
	Preview      *string `json:"preview"`
	Location     string  `json:"location"`
	IsLive       bool    `json:"is_live"`
}

// End returns the exclusive end of the booking window.
func (b Booking) End() int64 {
	return b.StartDate + b.Duration
}

// Window returns the booking's reserved window.
func (b Booking) Window() Window {
	return Window{Location: b.Location, Start: b.StartDate, Duration: b.Duration, BookingID: b.ID}
}

// Location is a bookable place in the virtual world.
type Location struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Scene      string  `json:"scene"`
	ForBooking bool    `json:"for_booking"`
	Preview    *string `json:"preview"`
}

// Slot is a content surface inside a location.
type Slot struct {
	ID                int64  `json:"id"`
	Location          string `json:"location"`
	Name              string `json:"name"`
	SupportsStreaming bool   `json:"supports_streaming"`
}

// SlotState is the per-booking playback state of a slot.
type SlotState struct {
	Booking      int64 `json:"booking"`
	Slot         int64 `json:"slot"`
	ContentIndex int   `json:"content_index"`
	IsPaused     bool  `json:"is_paused"`
}

// StreamingTarget describes whether a location can stream and which scene it lives in.
type StreamingTarget struct {
	SupportsStreaming bool
	Scene             string
}

// Role is the privilege level of an actor on the request path.
type Role int

// Roles. Unknown values are treated as RoleUser.
const (
	RoleUser Role = iota
	RoleAdmin
	RoleSuperAdmin
)

// ParseRole maps a role name to a Role.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "super_admin", "superadmin":
		return RoleSuperAdmin
	default:
		return RoleUser
	}
}

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return "user"
	}
}

// Actor identifies who is performing a request-path operation.
type Actor struct {
	Address string
	Role    Role
}

// CanModify reports whether the actor may change the given booking.
func (a Actor) CanModify(b Booking) bool {
	if a.Role >= RoleAdmin {
		return true
	}
	return a.Address != "" && a.Address == b.Owner
}

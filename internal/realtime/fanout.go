package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/onnwee/slotcast/internal/booking"
)

// LiveLookup resolves the live booking at a slot's location.
type LiveLookup interface {
	LiveBookingForSlot(ctx context.Context, slot int64) (*int64, error)
}

// Fanout turns booking state changes into messages on the registries.
type Fanout struct {
	scene   *Hub
	content *Hub
	live    LiveLookup
	logger  *slog.Logger
}

// NewFanout creates a Fanout over the scene and content registries.
func NewFanout(scene, content *Hub, live LiveLookup, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		scene:   scene,
		content: content,
		live:    live,
		logger:  logger,
	}
}

func (f *Fanout) broadcastScene(ctx context.Context, env Envelope) {
	if err := f.scene.Broadcast(env); err != nil {
		f.logger.ErrorContext(ctx, "scene broadcast failed",
			slog.String("type", env.Type),
			slog.String("error", err.Error()))
	}
}

// NotifyTransitions emits one event per affected location: bookings_replaced
// when the location has both started and finished bookings, otherwise
// bookings_finished or bookings_started.
func (f *Fanout) NotifyTransitions(ctx context.Context, started, finished []booking.Booking) {
	startedBy := groupByLocation(started)
	finishedBy := groupByLocation(finished)

	locations := make([]string, 0, len(startedBy)+len(finishedBy))
	for loc := range startedBy {
		locations = append(locations, loc)
	}
	for loc := range finishedBy {
		if _, ok := startedBy[loc]; !ok {
			locations = append(locations, loc)
		}
	}
	sort.Strings(locations)

	for _, loc := range locations {
		s, fin := startedBy[loc], finishedBy[loc]
		switch {
		case len(s) > 0 && len(fin) > 0:
			f.broadcastScene(ctx, Envelope{
				Type: EventBookingsReplaced,
				Data: ReplacedPayload{Location: loc, Started: s, Finished: fin},
			})
		case len(fin) > 0:
			f.broadcastScene(ctx, Envelope{
				Type: EventBookingsFinished,
				Data: BookingsPayload{Location: loc, Bookings: fin},
			})
		default:
			f.broadcastScene(ctx, Envelope{
				Type: EventBookingsStarted,
				Data: BookingsPayload{Location: loc, Bookings: s},
			})
		}
	}
}

// NotifyFinished emits bookings_finished for bookings leaving a location
// outside the scheduler, such as deletion.
func (f *Fanout) NotifyFinished(ctx context.Context, location string, bookings []booking.Booking) {
	out := make([]booking.Booking, len(bookings))
	for i, b := range bookings {
		b.IsLive = false
		out[i] = b
	}
	f.broadcastScene(ctx, Envelope{
		Type: EventBookingsFinished,
		Data: BookingsPayload{Location: location, Bookings: out},
	})
}

// NotifyClosest emits closest-booking-{action} with the booking.
func (f *Fanout) NotifyClosest(ctx context.Context, b booking.Booking, action string) {
	f.broadcastScene(ctx, Envelope{Type: ClosestBookingEvent(action), Data: b})
}

// SlotChanged forwards changes to content clients, and to scene clients only
// for known slots whose booking is the one currently live at the slot's location.
func (f *Fanout) SlotChanged(ctx context.Context, changes []SlotChange) {
	if len(changes) == 0 {
		return
	}
	if err := f.content.Broadcast(Envelope{Type: EventSlotChanged, Data: changes}); err != nil {
		f.logger.ErrorContext(ctx, "content broadcast failed", slog.String("error", err.Error()))
	}

	for _, ch := range changes {
		live, err := f.live.LiveBookingForSlot(ctx, ch.Slot)
		if errors.Is(err, booking.ErrNotFound) {
			f.logger.DebugContext(ctx, "slot change for unknown slot", slog.Int64("slot", ch.Slot))
			continue
		}
		if err != nil {
			f.logger.WarnContext(ctx, "live booking lookup failed",
				slog.Int64("slot", ch.Slot),
				slog.String("error", err.Error()))
			continue
		}
		if !sameBooking(live, ch.Booking) {
			continue
		}
		f.broadcastScene(ctx, Envelope{Type: EventSlotChanged, Data: []SlotChange{ch}})
	}
}

func sameBooking(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func groupByLocation(bookings []booking.Booking) map[string][]booking.Booking {
	out := make(map[string][]booking.Booking)
	for _, b := range bookings {
		out[b.Location] = append(out[b.Location], b)
	}
	return out
}

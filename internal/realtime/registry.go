package realtime

import (
	"log/slog"
	"strconv"
	"sync"
)

// Registry names used in logs and metrics.
const (
	RegistryScene   = "scene"
	RegistryContent = "content"
	RegistryBooking = "booking"
)

// BookingRegistry groups clients by booking. Hubs are created on first
// connect and dropped once their last client leaves.
//
// Lock order is registry then hub.
type BookingRegistry struct {
	logger  *slog.Logger
	metrics *Metrics

	mu   sync.Mutex
	hubs map[int64]*Hub
}

// NewBookingRegistry creates an empty registry. metrics may be nil.
func NewBookingRegistry(logger *slog.Logger, metrics *Metrics) *BookingRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingRegistry{
		logger:  logger,
		metrics: metrics,
		hubs:    make(map[int64]*Hub),
	}
}

// Connect adds a client to the booking's hub.
func (r *BookingRegistry) Connect(bookingID int64, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hubs[bookingID]
	if !ok {
		h = NewHub(RegistryBooking, r.logger.With(slog.String("booking_id", strconv.FormatInt(bookingID, 10))), r.metrics)
		r.hubs[bookingID] = h
	}
	h.connect(c, func() { r.Disconnect(bookingID, c) })
}

// Disconnect removes a client from the booking's hub. Idempotent.
func (r *BookingRegistry) Disconnect(bookingID int64, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hubs[bookingID]
	if !ok {
		c.Close()
		return
	}
	h.Disconnect(c)
	if h.Len() == 0 {
		delete(r.hubs, bookingID)
	}
}

// Broadcast sends msg to every client of a booking.
func (r *BookingRegistry) Broadcast(bookingID int64, msg any) error {
	r.mu.Lock()
	h, ok := r.hubs[bookingID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Broadcast(msg)
}

// BroadcastRaw sends pre-encoded data to every client of a booking.
func (r *BookingRegistry) BroadcastRaw(bookingID int64, data []byte) {
	r.mu.Lock()
	h, ok := r.hubs[bookingID]
	r.mu.Unlock()
	if ok {
		h.BroadcastRaw(data)
	}
}

// Len returns the number of clients connected for a booking.
func (r *BookingRegistry) Len(bookingID int64) int {
	r.mu.Lock()
	h, ok := r.hubs[bookingID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return h.Len()
}

// Bookings returns how many bookings have at least one client.
func (r *BookingRegistry) Bookings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// CloseAll disconnects every client of every booking.
func (r *BookingRegistry) CloseAll() {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	for _, h := range hubs {
		h.CloseAll()
	}
}

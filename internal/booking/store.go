package booking

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence contract for bookings, locations, slots and slot states.
// The live flag is written only through SetLive.
type Store interface {
	// ListElapsedLive returns live bookings whose window ended at or before now.
	ListElapsedLive(ctx context.Context, now int64) ([]Booking, error)
	// ListStartingNow returns bookings that are not live, have never finished,
	// and whose window contains now.
	ListStartingNow(ctx context.Context, now int64) ([]Booking, error)
	// SetLive flips the live flag for the given bookings. Clearing the flag
	// records the booking as finished at the given time.
	SetLive(ctx context.Context, ids []int64, live bool, at int64) error
	// StreamingTarget reports whether any slot at the location supports
	// streaming, together with the location's scene descriptor.
	StreamingTarget(ctx context.Context, location string) (StreamingTarget, error)

	Get(ctx context.Context, id int64) (*Booking, error)
	// Insert and Update reject a window that overlaps another booking at the
	// same location with an error wrapping ErrConflict. The check and the
	// write are atomic across every writer sharing the store.
	Insert(ctx context.Context, b *Booking) error
	Update(ctx context.Context, b *Booking) error
	// Delete removes a booking and its slot states.
	Delete(ctx context.Context, id int64) error

	// ListClosest returns up to limit bookings at a location that have not
	// ended before now, ordered by start date.
	ListClosest(ctx context.Context, location string, now int64, limit int) ([]Booking, error)
	// LatestPast returns the most recent booking at a location that ended before now.
	LatestPast(ctx context.Context, location string, now int64) (*Booking, error)
	// ListLive returns live bookings, optionally restricted to locations.
	ListLive(ctx context.Context, locations []string) ([]Booking, error)
	// ListInRange returns bookings at a location whose window ends at or
	// after from and starts at or before to, ordered by start date.
	ListInRange(ctx context.Context, location string, from, to int64) ([]Booking, error)
	// ListActive pages through bookings that end after q.Now, earliest first.
	ListActive(ctx context.Context, q PageQuery) ([]Booking, error)
	// ListInactive pages through bookings that ended before q.Now, latest first.
	ListInactive(ctx context.Context, q PageQuery) ([]Booking, error)
	// LiveBookingForSlot returns the live booking at the slot's location, or nil
	// when nothing is live there. Unknown slots yield ErrNotFound.
	LiveBookingForSlot(ctx context.Context, slot int64) (*int64, error)

	GetLocation(ctx context.Context, id string) (*Location, error)

	ListSlotStates(ctx context.Context, bookingID int64) ([]SlotState, error)
	UpsertSlotState(ctx context.Context, state SlotState) error
}

// PageQuery selects one page of a location's bookings relative to Now.
// An empty Owner matches every owner.
type PageQuery struct {
	Location string
	Owner    string
	Now      int64
	Take     int
	Skip     int
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	bookings   map[int64]Booking
	finished   map[int64]int64 // bookingID -> finished at
	locations  map[string]Location
	slots      map[int64]Slot
	slotStates map[[2]int64]SlotState
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nextID:     1,
		bookings:   make(map[int64]Booking),
		finished:   make(map[int64]int64),
		locations:  make(map[string]Location),
		slots:      make(map[int64]Slot),
		slotStates: make(map[[2]int64]SlotState),
	}
}

// AddLocation registers a location.
func (s *InMemoryStore) AddLocation(l Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.ID] = l
}

// AddSlot registers a slot.
func (s *InMemoryStore) AddSlot(sl Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[sl.ID] = sl
}

func (s *InMemoryStore) ListElapsedLive(ctx context.Context, now int64) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(b Booking) bool {
		return b.IsLive && now >= b.End()
	}), nil
}

func (s *InMemoryStore) ListStartingNow(ctx context.Context, now int64) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(b Booking) bool {
		if _, done := s.finished[b.ID]; done {
			return false
		}
		return !b.IsLive && b.StartDate <= now && now < b.End()
	}), nil
}

func (s *InMemoryStore) SetLive(ctx context.Context, ids []int64, live bool, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		b, ok := s.bookings[id]
		if !ok {
			continue
		}
		b.IsLive = live
		s.bookings[id] = b
		if !live {
			s.finished[id] = at
		}
	}
	return nil
}

func (s *InMemoryStore) StreamingTarget(ctx context.Context, location string) (StreamingTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t StreamingTarget
	if l, ok := s.locations[location]; ok {
		t.Scene = l.Scene
	}
	for _, sl := range s.slots {
		if sl.Location == location && sl.SupportsStreaming {
			t.SupportsStreaming = true
			break
		}
	}
	return t, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id int64) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// Insert assigns an ID when b.ID is zero.
func (s *InMemoryStore) Insert(ctx context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := Validate(b.Location, b.StartDate, b.Duration, s.windowsAt(b.Location, b.ID)); err != nil {
		return err
	}
	if b.ID == 0 {
		b.ID = s.nextID
	}
	if b.ID >= s.nextID {
		s.nextID = b.ID + 1
	}
	s.bookings[b.ID] = *b
	return nil
}

// Update replaces the stored booking. The live flag is preserved.
func (s *InMemoryStore) Update(ctx context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if err := Validate(b.Location, b.StartDate, b.Duration, s.windowsAt(b.Location, b.ID)); err != nil {
		return err
	}
	updated := *b
	updated.IsLive = existing.IsLive
	s.bookings[b.ID] = updated
	b.IsLive = existing.IsLive
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[id]; !ok {
		return ErrNotFound
	}
	delete(s.bookings, id)
	delete(s.finished, id)
	for k := range s.slotStates {
		if k[0] == id {
			delete(s.slotStates, k)
		}
	}
	return nil
}

// windowsAt returns the windows at a location except excludeID. Caller holds the lock.
func (s *InMemoryStore) windowsAt(location string, excludeID int64) []Window {
	var out []Window
	for _, b := range s.sorted() {
		if b.Location == location && b.ID != excludeID {
			out = append(out, b.Window())
		}
	}
	return out
}

func (s *InMemoryStore) ListClosest(ctx context.Context, location string, now int64, limit int) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(b Booking) bool {
		return b.Location == location && b.End() >= now
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) LatestPast(ctx context.Context, location string, now int64) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	past := s.filter(func(b Booking) bool {
		return b.Location == location && b.End() < now
	})
	if len(past) == 0 {
		return nil, nil
	}
	b := past[len(past)-1]
	return &b, nil
}

func (s *InMemoryStore) ListLive(ctx context.Context, locations []string) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(locations))
	for _, l := range locations {
		want[l] = true
	}
	return s.filter(func(b Booking) bool {
		return b.IsLive && (len(want) == 0 || want[b.Location])
	}), nil
}

func (s *InMemoryStore) ListInRange(ctx context.Context, location string, from, to int64) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(b Booking) bool {
		return b.Location == location && b.End() >= from && b.StartDate <= to
	}), nil
}

func (s *InMemoryStore) ListActive(ctx context.Context, q PageQuery) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(b Booking) bool {
		return q.matches(b) && b.End() > q.Now
	})
	return page(out, q), nil
}

func (s *InMemoryStore) ListInactive(ctx context.Context, q PageQuery) ([]Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.filter(func(b Booking) bool {
		return q.matches(b) && b.End() < q.Now
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return page(out, q), nil
}

func (q PageQuery) matches(b Booking) bool {
	return b.Location == q.Location && (q.Owner == "" || b.Owner == q.Owner)
}

func page(bs []Booking, q PageQuery) []Booking {
	if q.Skip >= len(bs) {
		return nil
	}
	bs = bs[q.Skip:]
	if q.Take > 0 && len(bs) > q.Take {
		bs = bs[:q.Take]
	}
	return bs
}

func (s *InMemoryStore) LiveBookingForSlot(ctx context.Context, slot int64) (*int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[slot]
	if !ok {
		return nil, ErrNotFound
	}
	for _, b := range s.sorted() {
		if b.IsLive && b.Location == sl.Location {
			id := b.ID
			return &id, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetLocation(ctx context.Context, id string) (*Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *InMemoryStore) ListSlotStates(ctx context.Context, bookingID int64) ([]SlotState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SlotState
	for k, st := range s.slotStates {
		if k[0] == bookingID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (s *InMemoryStore) UpsertSlotState(ctx context.Context, state SlotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotStates[[2]int64{state.Booking, state.Slot}] = state
	return nil
}

// sorted returns bookings ordered by start date then ID. Caller holds the lock.
func (s *InMemoryStore) sorted() []Booking {
	out := make([]Booking, 0, len(s.bookings))
	for _, b := range s.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartDate != out[j].StartDate {
			return out[i].StartDate < out[j].StartDate
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemoryStore) filter(keep func(Booking) bool) []Booking {
	var out []Booking
	for _, b := range s.sorted() {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}

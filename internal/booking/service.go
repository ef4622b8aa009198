package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Closest-booking actions broadcast to scene clients.
const (
	ActionAdded   = "added"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Default service settings.
const (
	DefaultMinDuration  = 15 * time.Minute
	DefaultMaxDuration  = 24 * time.Hour
	DefaultClosestLimit = 2
	MaxPageSize         = 100
)

// ErrInvalidPage rejects list requests with a bad take/skip or date range.
var ErrInvalidPage = errors.New("invalid page request")

// Notifier receives request-path events that scene clients must see.
type Notifier interface {
	NotifyFinished(ctx context.Context, location string, bookings []Booking)
	NotifyClosest(ctx context.Context, b Booking, action string)
}

// Revoker withdraws a streaming permission. Implementations must not block.
type Revoker interface {
	Revoke(realm, owner string)
}

// PreviewRemover deletes a stored preview image by its public URL.
// URLs it does not own are ignored.
type PreviewRemover interface {
	DeletePreview(ctx context.Context, publicURL string) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	// ClosestLimit is how many upcoming bookings count as "closest".
	ClosestLimit int
	// Now overrides the clock in tests.
	Now func() time.Time
}

// CreateInput holds the caller-supplied fields of a new booking.
type CreateInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	StartDate   int64   `json:"start_date"`
	Duration    int64   `json:"duration"`
	EventDate   *int64  `json:"event_date"`
	Preview     *string `json:"preview"`
	Location    string  `json:"location"`
}

// Patch holds optional field updates. Nil fields are left unchanged.
type Patch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	StartDate   *int64  `json:"start_date"`
	Duration    *int64  `json:"duration"`
	EventDate   *int64  `json:"event_date"`
	Preview     *string `json:"preview"`
	Location    *string `json:"location"`
}

// ClosestResult is the upcoming bookings at a location plus the most recent past one.
type ClosestResult struct {
	Upcoming []Booking `json:"upcoming"`
	Previous *Booking  `json:"previous"`
}

// Service implements the request-path booking operations.
type Service struct {
	store    Store
	notifier Notifier
	revoker  Revoker
	previews PreviewRemover
	cfg      ServiceConfig
	logger   *slog.Logger
}

// NewService creates a Service. notifier and revoker may be nil.
func NewService(store Store, notifier Notifier, revoker Revoker, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = DefaultMinDuration
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.ClosestLimit <= 0 {
		cfg.ClosestLimit = DefaultClosestLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		revoker:  revoker,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithPreviews removes replaced and orphaned preview images through p.
func (s *Service) WithPreviews(p PreviewRemover) *Service {
	s.previews = p
	return s
}

func (s *Service) now() int64 {
	return s.cfg.Now().UnixMilli()
}

func (s *Service) checkDuration(d int64) error {
	if d < s.cfg.MinDuration.Milliseconds() || d > s.cfg.MaxDuration.Milliseconds() {
		return fmt.Errorf("%w: %dms not in [%d, %d]", ErrInvalidDuration, d,
			s.cfg.MinDuration.Milliseconds(), s.cfg.MaxDuration.Milliseconds())
	}
	return nil
}

func (s *Service) checkLocation(ctx context.Context, id string) error {
	loc, err := s.store.GetLocation(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrInvalidLocation, id)
	}
	if err != nil {
		return err
	}
	if !loc.ForBooking {
		return fmt.Errorf("%w: %s", ErrInvalidLocation, id)
	}
	return nil
}

// Create validates and stores a new booking owned by owner.
func (s *Service) Create(ctx context.Context, owner string, in CreateInput) (*Booking, error) {
	if err := s.checkDuration(in.Duration); err != nil {
		return nil, err
	}
	if err := s.checkLocation(ctx, in.Location); err != nil {
		return nil, err
	}

	b := &Booking{
		Owner:        strings.ToLower(owner),
		Title:        in.Title,
		Description:  in.Description,
		StartDate:    in.StartDate,
		Duration:     in.Duration,
		CreationDate: s.now(),
		EventDate:    in.EventDate,
		Preview:      in.Preview,
		Location:     in.Location,
	}
	if err := s.store.Insert(ctx, b); err != nil {
		return nil, err
	}

	s.logger.Info("booking created",
		slog.Int64("booking_id", b.ID),
		slog.String("location", b.Location),
		slog.String("owner", b.Owner))

	s.notifyClosestIf(ctx, *b, ActionAdded)
	return b, nil
}

// Update applies a patch to a booking the actor may modify.
func (s *Service) Update(ctx context.Context, actor Actor, id int64, p Patch) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanModify(*b) {
		return nil, ErrForbidden
	}
	oldPreview := b.Preview

	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Description != nil {
		b.Description = *p.Description
	}
	if p.EventDate != nil {
		b.EventDate = p.EventDate
	}
	if p.Preview != nil {
		b.Preview = p.Preview
	}
	if p.StartDate != nil && *p.StartDate != b.StartDate {
		b.StartDate = *p.StartDate
	}
	if p.Duration != nil && *p.Duration != b.Duration {
		if err := s.checkDuration(*p.Duration); err != nil {
			return nil, err
		}
		b.Duration = *p.Duration
	}
	if p.Location != nil && *p.Location != b.Location {
		if err := s.checkLocation(ctx, *p.Location); err != nil {
			return nil, err
		}
		b.Location = *p.Location
	}

	// The store re-validates the window against every other booking.
	if err := s.store.Update(ctx, b); err != nil {
		return nil, err
	}

	if oldPreview != nil && (b.Preview == nil || *b.Preview != *oldPreview) {
		s.removePreview(ctx, b.ID, *oldPreview)
	}

	s.notifyClosestIf(ctx, *b, ActionUpdated)
	return b, nil
}

// Delete removes a booking. Scene clients receive bookings_finished before
// the row is removed, and a live streaming booking has its permission revoked.
func (s *Service) Delete(ctx context.Context, actor Actor, id int64) error {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !actor.CanModify(*b) {
		return ErrForbidden
	}

	wasClosest := s.isClosest(ctx, *b)

	if s.notifier != nil {
		s.notifier.NotifyFinished(ctx, b.Location, []Booking{*b})
	}
	if b.IsLive {
		s.revokeStreaming(ctx, *b)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("booking deleted",
		slog.Int64("booking_id", b.ID),
		slog.String("location", b.Location))

	if b.Preview != nil {
		s.removePreview(ctx, b.ID, *b.Preview)
	}

	if wasClosest && s.notifier != nil {
		s.notifier.NotifyClosest(ctx, *b, ActionDeleted)
	}
	return nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// InRange returns the bookings at a location that overlap [from, to].
func (s *Service) InRange(ctx context.Context, location string, from, to int64) ([]Booking, error) {
	if to < from {
		return nil, fmt.Errorf("%w: to_date before from_date", ErrInvalidPage)
	}
	out, err := s.store.ListInRange(ctx, location, from, to)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Booking{}
	}
	return out, nil
}

// Active returns a page of a location's bookings that have not ended yet.
// owner restricts the page to one owner's bookings when set.
func (s *Service) Active(ctx context.Context, location, owner string, take, skip int) ([]Booking, error) {
	return s.page(ctx, s.store.ListActive, location, owner, take, skip)
}

// Inactive returns a page of a location's bookings that have ended, latest first.
func (s *Service) Inactive(ctx context.Context, location, owner string, take, skip int) ([]Booking, error) {
	return s.page(ctx, s.store.ListInactive, location, owner, take, skip)
}

func (s *Service) page(ctx context.Context, list func(context.Context, PageQuery) ([]Booking, error),
	location, owner string, take, skip int) ([]Booking, error) {
	if take <= 0 || take > MaxPageSize {
		return nil, fmt.Errorf("%w: take must be in [1, %d]", ErrInvalidPage, MaxPageSize)
	}
	if skip < 0 {
		return nil, fmt.Errorf("%w: skip must not be negative", ErrInvalidPage)
	}
	out, err := list(ctx, PageQuery{
		Location: location,
		Owner:    strings.ToLower(owner),
		Now:      s.now(),
		Take:     take,
		Skip:     skip,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Booking{}
	}
	return out, nil
}

// Closest returns the nearest non-elapsed bookings at a location and the latest past one.
func (s *Service) Closest(ctx context.Context, location string) (*ClosestResult, error) {
	now := s.now()
	upcoming, err := s.store.ListClosest(ctx, location, now, s.cfg.ClosestLimit)
	if err != nil {
		return nil, err
	}
	prev, err := s.store.LatestPast(ctx, location, now)
	if err != nil {
		return nil, err
	}
	if upcoming == nil {
		upcoming = []Booking{}
	}
	return &ClosestResult{Upcoming: upcoming, Previous: prev}, nil
}

// LiveAt returns live bookings, optionally restricted to locations.
func (s *Service) LiveAt(ctx context.Context, locations []string) ([]Booking, error) {
	out, err := s.store.ListLive(ctx, locations)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Booking{}
	}
	return out, nil
}

// SlotStates returns the stored slot states of a booking.
func (s *Service) SlotStates(ctx context.Context, bookingID int64) ([]SlotState, error) {
	return s.store.ListSlotStates(ctx, bookingID)
}

// SaveSlotState stores a slot state written by the booking owner.
func (s *Service) SaveSlotState(ctx context.Context, actor Actor, st SlotState) error {
	b, err := s.store.Get(ctx, st.Booking)
	if err != nil {
		return err
	}
	if actor.Address == "" || actor.Address != b.Owner {
		return ErrForbidden
	}
	return s.store.UpsertSlotState(ctx, st)
}

// isClosest reports whether b is among the nearest non-elapsed bookings at its location.
func (s *Service) isClosest(ctx context.Context, b Booking) bool {
	closest, err := s.store.ListClosest(ctx, b.Location, s.now(), s.cfg.ClosestLimit)
	if err != nil {
		s.logger.Warn("closest booking check failed",
			slog.Int64("booking_id", b.ID),
			slog.String("error", err.Error()))
		return false
	}
	for _, c := range closest {
		if c.ID == b.ID {
			return true
		}
	}
	return false
}

func (s *Service) removePreview(ctx context.Context, id int64, url string) {
	if s.previews == nil {
		return
	}
	if err := s.previews.DeletePreview(ctx, url); err != nil {
		s.logger.WarnContext(ctx, "failed to delete preview image",
			slog.Int64("booking_id", id),
			slog.String("preview", url),
			slog.String("error", err.Error()))
	}
}

func (s *Service) notifyClosestIf(ctx context.Context, b Booking, action string) {
	if s.notifier == nil {
		return
	}
	if s.isClosest(ctx, b) {
		s.notifier.NotifyClosest(ctx, b, action)
	}
}

// StreamingRealm returns the realm a booking streams into, or "" when its
// location has no streaming slot.
func (s *Service) StreamingRealm(ctx context.Context, b Booking) (string, error) {
	target, err := s.store.StreamingTarget(ctx, b.Location)
	if err != nil {
		return "", fmt.Errorf("streaming target: %w", err)
	}
	if !target.SupportsStreaming {
		return "", nil
	}
	scene, err := ParseScene(target.Scene)
	if err != nil {
		return "", err
	}
	return scene.Realm, nil
}

func (s *Service) revokeStreaming(ctx context.Context, b Booking) {
	if s.revoker == nil {
		return
	}
	realm, err := s.StreamingRealm(ctx, b)
	if err != nil {
		s.logger.Warn("cannot revoke streaming",
			slog.Int64("booking_id", b.ID),
			slog.String("error", err.Error()))
		return
	}
	if realm != "" {
		s.revoker.Revoke(realm, b.Owner)
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/slotcast/internal/audit"
	"github.com/onnwee/slotcast/internal/booking"
	"github.com/onnwee/slotcast/internal/middleware"
	"github.com/onnwee/slotcast/internal/validate"
)

// maxBodyBytes bounds request bodies on write endpoints.
const maxBodyBytes = 64 << 10

// BookingHandlers serves the booking REST endpoints.
type BookingHandlers struct {
	service *booking.Service
	audit   audit.Repository
}

// NewBookingHandlers creates booking handlers backed by service.
func NewBookingHandlers(service *booking.Service) *BookingHandlers {
	return &BookingHandlers{service: service}
}

// WithAudit records successful writes to repo.
func (h *BookingHandlers) WithAudit(repo audit.Repository) *BookingHandlers {
	h.audit = repo
	return h
}

func (h *BookingHandlers) record(r *http.Request, id int64, action string) {
	audit.Record(r, h.audit, audit.EntityBooking, strconv.FormatInt(id, 10), action, audit.OutcomeSuccess)
}

// parseBookingID reads the {id} path value.
func parseBookingID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// decodeBody decodes a bounded JSON body, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// requireActor returns the authenticated actor or writes a 401.
func requireActor(w http.ResponseWriter, r *http.Request) (booking.Actor, bool) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok || actor.Address == "" {
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return booking.Actor{}, false
	}
	return actor, true
}

// Create handles POST /bookings.
func (h *BookingHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var in booking.CreateInput
	if err := decodeBody(w, r, &in); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if err := normalizeCreate(&in); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	b, err := h.service.Create(ctx, actor.Address, in)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	h.record(r, b.ID, audit.ActionBookingCreate)
	writeJSON(w, ctx, http.StatusCreated, b)
}

// Get handles GET /bookings/{id}.
func (h *BookingHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseBookingID(r)
	if !ok {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid booking id")
		return
	}
	b, err := h.service.Get(ctx, id)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, b)
}

// Update handles PATCH /bookings/{id}.
func (h *BookingHandlers) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := parseBookingID(r)
	if !ok {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid booking id")
		return
	}

	var patch booking.Patch
	if err := decodeBody(w, r, &patch); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if err := normalizePatch(&patch); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	b, err := h.service.Update(ctx, actor, id, patch)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	h.record(r, b.ID, audit.ActionBookingUpdate)
	writeJSON(w, ctx, http.StatusOK, b)
}

// Delete handles DELETE /bookings/{id}.
func (h *BookingHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := parseBookingID(r)
	if !ok {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid booking id")
		return
	}

	if err := h.service.Delete(ctx, actor, id); err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	h.record(r, id, audit.ActionBookingDelete)
	w.WriteHeader(http.StatusNoContent)
}

// Closest handles GET /bookings/closest/{location}.
func (h *BookingHandlers) Closest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	location := r.PathValue("location")
	if location == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "location is required")
		return
	}

	res, err := h.service.Closest(ctx, location)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, res)
}

// Live handles GET /bookings/live. The location parameter may repeat or hold
// a comma-separated list; without it every live booking is returned.
func (h *BookingHandlers) Live(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var locations []string
	for _, v := range r.URL.Query()["location"] {
		for _, loc := range strings.Split(v, ",") {
			if loc = strings.TrimSpace(loc); loc != "" {
				locations = append(locations, loc)
			}
		}
	}

	live, err := h.service.LiveAt(ctx, locations)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	slog.DebugContext(ctx, "live bookings listed",
		"locations", len(locations),
		"count", len(live),
	)
	writeJSON(w, ctx, http.StatusOK, live)
}

// normalizeCreate validates and trims the free-text fields of a new booking.
func normalizeCreate(in *booking.CreateInput) error {
	var err error
	if in.Location, err = validate.LocationID(in.Location); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	if in.Title, err = validate.Title(in.Title); err != nil {
		return fmt.Errorf("title: %w", err)
	}
	if in.Description, err = validate.Description(in.Description); err != nil {
		return fmt.Errorf("description: %w", err)
	}
	return normalizePreview(in.Preview)
}

func normalizePatch(p *booking.Patch) error {
	if p.Location != nil {
		v, err := validate.LocationID(*p.Location)
		if err != nil {
			return fmt.Errorf("location: %w", err)
		}
		p.Location = &v
	}
	if p.Title != nil {
		v, err := validate.Title(*p.Title)
		if err != nil {
			return fmt.Errorf("title: %w", err)
		}
		p.Title = &v
	}
	if p.Description != nil {
		v, err := validate.Description(*p.Description)
		if err != nil {
			return fmt.Errorf("description: %w", err)
		}
		p.Description = &v
	}
	return normalizePreview(p.Preview)
}

// normalizePreview accepts an absent or empty preview.
func normalizePreview(preview *string) error {
	if preview == nil || strings.TrimSpace(*preview) == "" {
		return nil
	}
	v, err := validate.PreviewURL(*preview)
	if err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	*preview = v
	return nil
}

// queryInt reads an integer query parameter. def is used when it is absent.
func queryInt(r *http.Request, name string, def int64, required bool) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%s is required", name)
		}
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// InRange handles GET /locations/{id}/bookings?from_date&to_date.
func (h *BookingHandlers) InRange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	from, err := queryInt(r, "from_date", 0, true)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	to, err := queryInt(r, "to_date", 0, true)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	out, err := h.service.InRange(ctx, r.PathValue("id"), from, to)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, out)
}

// ByState handles GET /bookings/{location}/{state} where state is active or
// inactive, paged by take and skip.
func (h *BookingHandlers) ByState(w http.ResponseWriter, r *http.Request) {
	h.listByState(w, r, "")
}

// UserByState handles GET /users/bookings/{location}/{state}, restricted to
// the caller's own bookings.
func (h *BookingHandlers) UserByState(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	h.listByState(w, r, actor.Address)
}

func (h *BookingHandlers) listByState(w http.ResponseWriter, r *http.Request, owner string) {
	ctx := r.Context()
	list := h.service.Active
	switch r.PathValue("state") {
	case "active":
	case "inactive":
		list = h.service.Inactive
	default:
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
		return
	}

	take, err := queryInt(r, "take", 0, true)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	skip, err := queryInt(r, "skip", 0, false)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	out, err := list(ctx, r.PathValue("location"), owner, int(take), int(skip))
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, out)
}

package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/slotcast/internal/audit"
	"github.com/onnwee/slotcast/internal/auth"
	"github.com/onnwee/slotcast/internal/booking"
	"github.com/onnwee/slotcast/internal/livekit"
)

// WSTokenResponse is returned by POST /signed/ws-token.
type WSTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// TokenHandlers issues short-lived tokens to authenticated callers.
type TokenHandlers struct {
	jwt      *auth.JWTService
	bookings *booking.Service
	livekit  *livekit.TokenService
	audit    audit.Repository
	now      func() time.Time
}

// NewTokenHandlers creates token handlers. lk may be nil when LiveKit is not
// the streaming authority; the stream-token endpoint then answers 503.
func NewTokenHandlers(jwt *auth.JWTService, bookings *booking.Service, lk *livekit.TokenService) *TokenHandlers {
	return &TokenHandlers{jwt: jwt, bookings: bookings, livekit: lk, now: time.Now}
}

// WithAudit records issued stream tokens to repo.
func (h *TokenHandlers) WithAudit(repo audit.Repository) *TokenHandlers {
	h.audit = repo
	return h
}

// WSToken handles POST /signed/ws-token. The token authenticates the caller
// on the booking socket for a short time.
func (h *TokenHandlers) WSToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	token, expiresAt, err := h.jwt.GenerateWSToken(actor.Address)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate websocket token", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to generate token")
		return
	}
	writeJSON(w, ctx, http.StatusOK, WSTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// StreamToken handles POST /bookings/{id}/stream-token. The owner of a live
// booking at a streaming location receives a LiveKit publisher token valid
// until the booking ends.
func (h *TokenHandlers) StreamToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.livekit == nil {
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeUnavailable, "LiveKit streaming is not configured")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := parseBookingID(r)
	if !ok {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid booking id")
		return
	}

	b, err := h.bookings.Get(ctx, id)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	if b.Owner != actor.Address {
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Only the booking owner can stream")
		return
	}
	if !b.IsLive {
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "Booking is not live")
		return
	}

	realm, err := h.bookings.StreamingRealm(ctx, *b)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	if realm == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Location does not support streaming")
		return
	}

	validFor := time.UnixMilli(b.End()).Sub(h.now())
	if validFor < livekit.MinTokenExpiry {
		validFor = livekit.MinTokenExpiry
	}
	if validFor > livekit.MaxTokenExpiry {
		validFor = livekit.MaxTokenExpiry
	}

	resp, err := h.livekit.PublisherToken(realm, actor.Address, validFor)
	if err != nil {
		slog.ErrorContext(ctx, "failed to generate LiveKit token",
			"error", err,
			"booking_id", b.ID,
			"room", realm,
		)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to generate token")
		return
	}

	slog.InfoContext(ctx, "stream token issued",
		"booking_id", b.ID,
		"room", realm,
		"expires_at", resp.ExpiresAt,
	)
	audit.Record(r, h.audit, audit.EntityBooking, strconv.FormatInt(b.ID, 10), audit.ActionStreamTokenIssued, audit.OutcomeSuccess)
	writeJSON(w, ctx, http.StatusOK, resp)
}

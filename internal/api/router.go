package api

import (
	"net/http"
	"time"

	"github.com/onnwee/slotcast/internal/idempotency"
	"github.com/onnwee/slotcast/internal/middleware"
)

// RouterConfig holds the handlers and guards mounted by NewRouter.
type RouterConfig struct {
	Bookings *BookingHandlers
	Tokens   *TokenHandlers
	WS       *WSHandlers
	Content  *ContentHandlers
	Uploads  *UploadHandlers // optional
	Health   *HealthHandlers

	// Auth validates bearer access tokens on REST writes.
	Auth        middleware.TokenValidator
	SystemToken string

	// RateLimitStore enables per-caller limits on writes and token endpoints
	// when set.
	RateLimitStore middleware.RateLimitStore
	WriteLimit     middleware.RateLimitConfig
	TokenLimit     middleware.RateLimitConfig

	// Idempotency enables Idempotency-Key replay on booking creation when set.
	Idempotency    idempotency.Repository
	IdempotencyTTL time.Duration

	Metrics        *middleware.Metrics
	MetricsHandler http.Handler
}

// NewRouter registers every route on a new ServeMux.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authed := func(limit middleware.RateLimitConfig, next http.Handler) http.Handler {
		if cfg.RateLimitStore != nil {
			next = middleware.RateLimiter(cfg.RateLimitStore, limit, middleware.UserKeyFunc(), cfg.Metrics)(next)
		}
		return middleware.RequireAuth(cfg.Auth, cfg.Metrics)(next)
	}

	var create http.Handler = http.HandlerFunc(cfg.Bookings.Create)
	if cfg.Idempotency != nil {
		create = middleware.Idempotency(cfg.Idempotency, cfg.IdempotencyTTL)(create)
	}
	mux.Handle("POST /bookings", authed(cfg.WriteLimit, create))
	mux.HandleFunc("GET /bookings/{id}", cfg.Bookings.Get)
	mux.Handle("PATCH /bookings/{id}", authed(cfg.WriteLimit, http.HandlerFunc(cfg.Bookings.Update)))
	mux.Handle("DELETE /bookings/{id}", authed(cfg.WriteLimit, http.HandlerFunc(cfg.Bookings.Delete)))
	mux.HandleFunc("GET /bookings/closest/{location}", cfg.Bookings.Closest)
	mux.HandleFunc("GET /bookings/live", cfg.Bookings.Live)
	mux.HandleFunc("GET /bookings/{location}/{state}", cfg.Bookings.ByState)
	mux.Handle("GET /users/bookings/{location}/{state}",
		middleware.RequireAuth(cfg.Auth, cfg.Metrics)(http.HandlerFunc(cfg.Bookings.UserByState)))
	mux.HandleFunc("GET /locations/{id}/bookings", cfg.Bookings.InRange)

	uploads := cfg.Uploads
	if uploads == nil {
		uploads = NewUploadHandlers(nil)
	}
	mux.Handle("POST /bookings/preview-upload", authed(cfg.TokenLimit, http.HandlerFunc(uploads.SignPreview)))

	mux.Handle("POST /signed/ws-token", authed(cfg.TokenLimit, http.HandlerFunc(cfg.Tokens.WSToken)))
	mux.Handle("POST /bookings/{id}/stream-token", authed(cfg.TokenLimit, http.HandlerFunc(cfg.Tokens.StreamToken)))

	mux.Handle("POST /contents/changed",
		middleware.RequireSystemToken(cfg.SystemToken, cfg.Metrics)(http.HandlerFunc(cfg.Content.Changed)))

	mux.HandleFunc("GET /ws/scene", cfg.WS.Scene)
	mux.HandleFunc("GET /ws/changed/slots", cfg.WS.ChangedSlots)
	mux.HandleFunc("GET /ws/booking/{id}/signed", cfg.WS.Booking)

	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	return mux
}

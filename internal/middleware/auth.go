package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/slotcast/internal/auth"
	"github.com/onnwee/slotcast/internal/booking"
)

// actorKey is the context key for the authenticated actor.
type actorKey struct{}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateTokenOfType(tokenString, typ string) (*auth.Claims, error)
}

// SetActor stores the authenticated actor in the context.
func SetActor(ctx context.Context, actor booking.Actor) context.Context {
	ctx = context.WithValue(ctx, actorKey{}, actor)
	return SetUserAddress(ctx, actor.Address)
}

// GetActor returns the authenticated actor, if any.
func GetActor(ctx context.Context) (booking.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(booking.Actor)
	return actor, ok
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// RequireAuth rejects requests without a valid access token and stores the
// caller as a booking.Actor in the context. metrics may be nil.
func RequireAuth(validator TokenValidator, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				rejectAuth(w, r, metrics, "missing", "Missing bearer token")
				return
			}

			claims, err := validator.ValidateTokenOfType(token, auth.TokenTypeAccess)
			if err != nil {
				reason := "invalid"
				msg := "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					reason = "expired"
					msg = "Token has expired"
				}
				rejectAuth(w, r, metrics, reason, msg)
				return
			}

			actor := booking.Actor{
				Address: strings.ToLower(claims.Address),
				Role:    booking.ParseRole(claims.Role),
			}
			ctx := SetActor(r.Context(), actor)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSystemToken admits only callers presenting the shared system token,
// used by the content layer to report slot changes.
func RequireSystemToken(token string, metrics *Metrics) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(bearerToken(r))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				rejectAuth(w, r, metrics, "system_token", "Invalid system token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rejectAuth writes a 401 in the same envelope as api.WriteError; api imports
// this package so it cannot be called from here.
func rejectAuth(w http.ResponseWriter, r *http.Request, metrics *Metrics, reason, msg string) {
	if metrics != nil {
		metrics.IncAuthFailures(reason)
	}
	UpdateResponseContext(w, SetErrorCode(r.Context(), "auth_failed"))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": "auth_failed", "message": msg},
	})
}

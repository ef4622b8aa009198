package audit

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/onnwee/slotcast/internal/middleware"
)

// extractIPAddress returns the client IP from X-Forwarded-For, X-Real-IP or
// RemoteAddr, in that order, without a port.
func extractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return stripPort(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// EntryFromRequest builds an entry with the caller and request metadata of r.
func EntryFromRequest(r *http.Request, entityType, entityID, action, outcome string) Entry {
	ctx := r.Context()
	e := Entry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		RequestID:  middleware.GetRequestID(ctx),
		IPAddress:  extractIPAddress(r),
		UserAgent:  r.UserAgent(),
	}
	if actor, ok := middleware.GetActor(ctx); ok {
		e.Actor = actor.Address
		e.ActorRole = actor.Role.String()
	}
	return e
}

// Record appends an entry for r. The action it describes has already taken
// effect, so failures are logged and not returned. repo may be nil.
func Record(r *http.Request, repo Repository, entityType, entityID, action, outcome string) {
	if repo == nil {
		return
	}
	ctx := r.Context()
	if _, err := repo.Append(ctx, EntryFromRequest(r, entityType, entityID, action, outcome)); err != nil {
		slog.ErrorContext(ctx, "failed to record audit log",
			slog.String("action", action),
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()))
	}
}

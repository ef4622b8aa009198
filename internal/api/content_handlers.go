package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/onnwee/slotcast/internal/realtime"
)

// SlotChangeNotifier forwards slot content changes to connected clients.
type SlotChangeNotifier interface {
	SlotChanged(ctx context.Context, changes []realtime.SlotChange)
}

// ContentHandlers receives notifications from the content layer.
type ContentHandlers struct {
	notifier SlotChangeNotifier
}

// NewContentHandlers creates content handlers.
func NewContentHandlers(notifier SlotChangeNotifier) *ContentHandlers {
	return &ContentHandlers{notifier: notifier}
}

// Changed handles POST /contents/changed. The body is a JSON array of
// {"slot": id, "booking": id|null}.
func (h *ContentHandlers) Changed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var changes []realtime.SlotChange
	if err := decodeBody(w, r, &changes); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	for _, ch := range changes {
		if ch.Slot <= 0 {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "slot must be a positive id")
			return
		}
	}

	h.notifier.SlotChanged(ctx, changes)
	slog.DebugContext(ctx, "slot changes forwarded", "count", len(changes))
	w.WriteHeader(http.StatusAccepted)
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/onnwee/slotcast/internal/auth"
	"github.com/onnwee/slotcast/internal/booking"
	"github.com/onnwee/slotcast/internal/middleware"
	"github.com/onnwee/slotcast/internal/realtime"
)

// maxInboundMessage bounds frames read from clients.
const maxInboundMessage = 16 << 10

// WSConfig configures the websocket handlers.
type WSConfig struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or "*"
	// admits every origin.
	AllowedOrigins []string
	// QueueSize is the per-client send queue length.
	QueueSize int
}

// WSHandlers serves the persistent connections for the scene, content and
// booking registries.
type WSHandlers struct {
	scene    *realtime.Hub
	content  *realtime.Hub
	bookings *realtime.BookingRegistry
	service  *booking.Service
	tokens   middleware.TokenValidator
	upgrader websocket.Upgrader
	queue    int
}

// NewWSHandlers creates websocket handlers.
func NewWSHandlers(scene, content *realtime.Hub, bookings *realtime.BookingRegistry, service *booking.Service, tokens middleware.TokenValidator, cfg WSConfig) *WSHandlers {
	return &WSHandlers{
		scene:    scene,
		content:  content,
		bookings: bookings,
		service:  service,
		tokens:   tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		queue: cfg.QueueSize,
	}
}

// originChecker admits requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Scene handles GET /ws/scene. Scene clients only receive.
func (h *WSHandlers) Scene(w http.ResponseWriter, r *http.Request) {
	h.serveHub(w, r, h.scene)
}

// ChangedSlots handles GET /ws/changed/slots. Content clients only receive.
func (h *WSHandlers) ChangedSlots(w http.ResponseWriter, r *http.Request) {
	h.serveHub(w, r, h.content)
}

func (h *WSHandlers) serveHub(w http.ResponseWriter, r *http.Request, hub *realtime.Hub) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}
	conn.SetReadLimit(maxInboundMessage)

	client := realtime.NewClient(conn, h.queue)
	hub.Connect(client)
	defer hub.Disconnect(client)

	// Inbound messages are ignored; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			logUnexpectedClose(r, err)
			return
		}
	}
}

// slotStateMessage is a slot state write sent by the booking owner. Only the
// data part is read; the frame is relayed as received.
type slotStateMessage struct {
	Data booking.SlotState `json:"data"`
}

// Booking handles GET /ws/booking/{id}/signed?token=. The connection first
// receives the booking's stored slot states. Slot state writes from the
// booking owner are stored and then relayed byte for byte to every client of
// the booking; writes from anyone else are ignored.
func (h *WSHandlers) Booking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := parseBookingID(r)
	if !ok {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid booking id")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Missing token")
		return
	}
	claims, err := h.tokens.ValidateTokenOfType(token, auth.TokenTypeWS)
	if err != nil {
		msg := "Invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			msg = "Token has expired"
		}
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, msg)
		return
	}
	actor := booking.Actor{Address: strings.ToLower(claims.Address)}
	ctx = middleware.SetUserAddress(ctx, actor.Address)
	middleware.UpdateResponseContext(w, ctx)

	if _, err := h.service.Get(ctx, id); err != nil {
		writeBookingError(w, ctx, err)
		return
	}
	states, err := h.service.SlotStates(ctx, id)
	if err != nil {
		writeBookingError(w, ctx, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to upgrade websocket connection", "error", err, "booking_id", id)
		return
	}
	conn.SetReadLimit(maxInboundMessage)

	if states == nil {
		states = []booking.SlotState{}
	}
	client := realtime.NewClient(conn, h.queue)
	if err := client.SendJSON(realtime.Envelope{Type: realtime.EventInitBookingStates, Data: states}); err != nil {
		slog.ErrorContext(ctx, "failed to queue initial booking states", "error", err, "booking_id", id)
		client.Close()
		return
	}
	h.bookings.Connect(id, client)
	defer h.bookings.Disconnect(id, client)

	slog.InfoContext(ctx, "booking socket connected",
		"booking_id", id,
		"client_id", client.ID,
		"request_id", middleware.GetRequestID(ctx),
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logUnexpectedClose(r, err)
			return
		}

		var msg slotStateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.DebugContext(ctx, "ignoring malformed booking socket message", "error", err, "booking_id", id)
			continue
		}
		st := msg.Data
		st.Booking = id

		if err := h.service.SaveSlotState(ctx, actor, st); err != nil {
			if !errors.Is(err, booking.ErrForbidden) {
				slog.WarnContext(ctx, "failed to save slot state", "error", err, "booking_id", id)
			}
			continue
		}
		h.bookings.BroadcastRaw(id, data)
	}
}

func logUnexpectedClose(r *http.Request, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
		slog.WarnContext(r.Context(), "websocket connection closed unexpectedly",
			"error", err,
			"path", r.URL.Path,
		)
	}
}

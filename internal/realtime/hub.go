// Package realtime manages persistent WebSocket connections and fans out
// booking state changes to them.
package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Default client settings.
const (
	DefaultSendQueueSize = 64
	DefaultWriteTimeout  = 10 * time.Second
)

// Conn is the subset of *websocket.Conn used by a Client.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one persistent connection. Each client owns a buffered send queue
// drained by its own writer goroutine, so a slow client never delays others.
type Client struct {
	ID string

	conn         Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration

	mu      sync.Mutex
	release func()
}

// NewClient wraps a connection. queueSize <= 0 uses DefaultSendQueueSize.
func NewClient(conn Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	return &Client{
		ID:           uuid.New().String(),
		conn:         conn,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: DefaultWriteTimeout,
	}
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Enqueue queues data without blocking. It returns false if the client is
// closed or its queue is full.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendJSON marshals v and queues it for this client only.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if !c.Enqueue(data) {
		return fmt.Errorf("client %s: send queue unavailable", c.ID)
	}
	return nil
}

// Close stops the writer and closes the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) setRelease(fn func()) {
	c.mu.Lock()
	c.release = fn
	c.mu.Unlock()
}

// drop removes the client from whatever registry holds it.
func (c *Client) drop() {
	c.mu.Lock()
	fn := c.release
	c.mu.Unlock()
	if fn != nil {
		fn()
		return
	}
	c.Close()
}

func (c *Client) writePump(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("websocket write failed, dropping client",
					slog.String("client_id", c.ID),
					slog.String("error", err.Error()))
				c.drop()
				return
			}
		}
	}
}

// Hub is a set of clients that receive the same broadcasts.
type Hub struct {
	name    string
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(name string, logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:    name,
		logger:  logger.With(slog.String("registry", name)),
		metrics: metrics,
		clients: make(map[*Client]struct{}),
	}
}

// Connect adds a client and starts its writer.
func (h *Hub) Connect(c *Client) {
	h.connect(c, func() { h.Disconnect(c) })
}

func (h *Hub) connect(c *Client, release func()) {
	c.setRelease(release)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.connections.WithLabelValues(h.name).Inc()
	}
	go c.writePump(h.logger)
}

// Disconnect removes and closes a client. It reports whether the client was
// a member; disconnecting an unknown or already removed client is a no-op.
func (h *Hub) Disconnect(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	c.Close()
	if ok && h.metrics != nil {
		h.metrics.connections.WithLabelValues(h.name).Dec()
	}
	return ok
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast marshals msg once and queues it on every client. Clients whose
// queue is full are removed.
func (h *Hub) Broadcast(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	h.BroadcastRaw(data)
	return nil
}

// BroadcastRaw queues pre-encoded data on every client.
func (h *Hub) BroadcastRaw(data []byte) {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if c.Enqueue(data) {
			continue
		}
		h.logger.Warn("client send queue full, disconnecting",
			slog.String("client_id", c.ID))
		if h.metrics != nil {
			h.metrics.dropped.WithLabelValues(h.name).Inc()
		}
		c.drop()
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		c.drop()
	}
}

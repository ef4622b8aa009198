package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn records writes. When block is set, writes wait until Close.
type fakeConn struct {
	writes    chan []byte
	block     bool
	failWrite bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes: make(chan []byte, 100),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.failWrite {
		return errors.New("broken pipe")
	}
	if c.block {
		<-c.closed
		return io.EOF
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case data := <-c.writes:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("invalid message %s: %v", data, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Envelope{}
	}
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case data := <-c.writes:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func gaugeValue(t *testing.T, m *Metrics, registry string) float64 {
	t.Helper()
	var metric dto.Metric
	if err := m.connections.WithLabelValues(registry).Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	hub := NewHub(RegistryScene, testLogger(), nil)
	a, b := newFakeConn(), newFakeConn()
	hub.Connect(NewClient(a, 0))
	hub.Connect(NewClient(b, 0))

	if err := hub.Broadcast(Envelope{Type: "ping", Data: 1}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for _, c := range []*fakeConn{a, b} {
		if env := c.next(t); env.Type != "ping" {
			t.Errorf("type = %q, want ping", env.Type)
		}
	}
}

func TestHub_DisconnectIsIdempotent(t *testing.T) {
	metrics := NewMetrics()
	hub := NewHub(RegistryScene, testLogger(), metrics)
	conn := newFakeConn()
	client := NewClient(conn, 0)
	hub.Connect(client)

	if got := gaugeValue(t, metrics, RegistryScene); got != 1 {
		t.Fatalf("gauge = %v, want 1", got)
	}

	if !hub.Disconnect(client) {
		t.Error("first Disconnect should report membership")
	}
	if hub.Disconnect(client) {
		t.Error("second Disconnect should be a no-op")
	}
	if hub.Len() != 0 {
		t.Errorf("Len = %d, want 0", hub.Len())
	}
	if got := gaugeValue(t, metrics, RegistryScene); got != 0 {
		t.Errorf("gauge = %v, want 0", got)
	}
	if !conn.isClosed() {
		t.Error("connection not closed")
	}
}

func TestHub_SlowClientIsDroppedWithoutBlockingOthers(t *testing.T) {
	hub := NewHub(RegistryScene, testLogger(), nil)
	slow := newFakeConn()
	slow.block = true
	fast := newFakeConn()

	hub.Connect(NewClient(slow, 1))
	hub.Connect(NewClient(fast, 0))

	for i := 0; i < 3; i++ {
		if err := hub.Broadcast(Envelope{Type: "tick", Data: i}); err != nil {
			t.Fatalf("Broadcast failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		if env := fast.next(t); env.Type != "tick" {
			t.Errorf("fast client got %q", env.Type)
		}
	}
	waitFor(t, func() bool { return hub.Len() == 1 })
	if !slow.isClosed() {
		t.Error("slow client connection not closed")
	}
}

func TestHub_WriteFailureRemovesClient(t *testing.T) {
	hub := NewHub(RegistryContent, testLogger(), nil)
	conn := newFakeConn()
	conn.failWrite = true
	hub.Connect(NewClient(conn, 0))

	_ = hub.Broadcast(Envelope{Type: "x"})
	waitFor(t, func() bool { return hub.Len() == 0 })
}

func TestBookingRegistry_DropsEmptyHubs(t *testing.T) {
	reg := NewBookingRegistry(testLogger(), nil)
	a, b := newFakeConn(), newFakeConn()
	ca, cb := NewClient(a, 0), NewClient(b, 0)

	reg.Connect(1, ca)
	reg.Connect(2, cb)
	if reg.Bookings() != 2 {
		t.Fatalf("Bookings = %d, want 2", reg.Bookings())
	}

	if err := reg.Broadcast(1, Envelope{Type: "only-one"}); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if env := a.next(t); env.Type != "only-one" {
		t.Errorf("type = %q", env.Type)
	}
	b.expectNone(t)

	reg.Disconnect(1, ca)
	reg.Disconnect(1, ca)
	if reg.Bookings() != 1 {
		t.Errorf("Bookings = %d, want 1", reg.Bookings())
	}
	if reg.Len(1) != 0 {
		t.Errorf("Len(1) = %d, want 0", reg.Len(1))
	}

	// Broadcasting to a booking with no clients is a no-op.
	if err := reg.Broadcast(1, Envelope{Type: "nobody"}); err != nil {
		t.Errorf("Broadcast to empty booking: %v", err)
	}
}

func TestBookingRegistry_WriteFailureReleasesHub(t *testing.T) {
	reg := NewBookingRegistry(testLogger(), nil)
	conn := newFakeConn()
	conn.failWrite = true
	reg.Connect(9, NewClient(conn, 0))

	_ = reg.Broadcast(9, Envelope{Type: "x"})
	waitFor(t, func() bool { return reg.Bookings() == 0 })
}

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := NewMetrics().Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := NewMetrics().Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

package streaming

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// goRunner runs tasks on plain goroutines and lets tests wait for them.
type goRunner struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func (r *goRunner) Go(name string, fn func(ctx context.Context) error) bool {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := fn(context.Background())
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}()
	return true
}

type scriptedDelegator struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (d *scriptedDelegator) Delegate(ctx context.Context, action Action, realm, identity string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil
	}
	err := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	return err
}

func counterValue(t *testing.T, m *Metrics, vec string, labels ...string) float64 {
	t.Helper()
	var metric dto.Metric
	var err error
	switch vec {
	case "results":
		err = m.results.WithLabelValues(labels...).Write(&metric)
	case "exhausted":
		err = m.exhausted.WithLabelValues(labels...).Write(&metric)
	case "attempts":
		err = m.attempts.WithLabelValues(labels...).Write(&metric)
	}
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func fastConfig(metrics *Metrics, maxAttempts int) Config {
	return Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxAttempts:     maxAttempts,
		Logger:          testLogger(),
		Metrics:         metrics,
	}
}

func TestBridge_RetriesServerErrorsUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var lastPath, lastMethod string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		mu.Lock()
		lastPath, lastMethod = r.URL.Path, r.Method
		mu.Unlock()
		if r.Header.Get("x-identity-auth-chain-2") == "" || r.Header.Get("x-identity-timestamp") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	metrics := NewMetrics()
	runner := &goRunner{}
	bridge := NewBridge(NewWorldsDelegator(srv.URL, newTestSigner(t)), runner, fastConfig(metrics, 5))

	bridge.Grant("foo.dcl.eth", "0xABC")
	runner.wg.Wait()

	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	mu.Lock()
	method, path := lastMethod, lastPath
	mu.Unlock()
	if method != http.MethodPut {
		t.Errorf("method = %s, want PUT", method)
	}
	if path != "/world/foo.dcl.eth/permissions/streaming/0xabc" {
		t.Errorf("path = %s", path)
	}
	if runner.errs[0] != nil {
		t.Errorf("task error = %v", runner.errs[0])
	}
	if got := counterValue(t, metrics, "results", "grant", ResultSuccess); got != 1 {
		t.Errorf("success results = %v, want 1", got)
	}
}

func TestBridge_GrantDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner := &goRunner{}
	bridge := NewBridge(NewWorldsDelegator(srv.URL, newTestSigner(t)), runner, fastConfig(nil, 3))

	done := make(chan struct{})
	go func() {
		bridge.Grant("foo.dcl.eth", "0xabc")
		bridge.Revoke("foo.dcl.eth", "0xdef")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Grant/Revoke blocked on the network call")
	}
	close(release)
	runner.wg.Wait()
}

func TestBridge_ClientErrorIsNotRetried(t *testing.T) {
	d := &scriptedDelegator{results: []error{&StatusError{StatusCode: http.StatusNotFound}}}
	metrics := NewMetrics()
	bridge := NewBridge(d, &goRunner{}, fastConfig(metrics, 10))

	err := bridge.Do(context.Background(), ActionRevoke, "foo.dcl.eth", "0xabc")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v, want 404 StatusError", err)
	}
	if d.calls != 1 {
		t.Errorf("calls = %d, want 1", d.calls)
	}
	if got := counterValue(t, metrics, "results", "revoke", ResultPermanent); got != 1 {
		t.Errorf("permanent results = %v, want 1", got)
	}
}

func TestBridge_ExhaustsRetryBudget(t *testing.T) {
	d := &scriptedDelegator{results: []error{&StatusError{StatusCode: http.StatusBadGateway}}}
	metrics := NewMetrics()
	bridge := NewBridge(d, &goRunner{}, fastConfig(metrics, 4))

	err := bridge.Do(context.Background(), ActionGrant, "foo.dcl.eth", "0xabc")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if d.calls != 4 {
		t.Errorf("calls = %d, want 4", d.calls)
	}
	if got := counterValue(t, metrics, "exhausted", "grant"); got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}
	if got := counterValue(t, metrics, "attempts", "grant"); got != 4 {
		t.Errorf("attempts = %v, want 4", got)
	}
}

func TestBridge_TransportErrorsAreRetried(t *testing.T) {
	d := &scriptedDelegator{results: []error{errors.New("connection reset"), nil}}
	bridge := NewBridge(d, &goRunner{}, fastConfig(nil, 5))

	if err := bridge.Do(context.Background(), ActionGrant, "foo.dcl.eth", "0xabc"); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if d.calls != 2 {
		t.Errorf("calls = %d, want 2", d.calls)
	}
}

func TestBridge_CancelledContextStopsRetrying(t *testing.T) {
	d := &scriptedDelegator{results: []error{&StatusError{StatusCode: http.StatusServiceUnavailable}}}
	cfg := fastConfig(nil, 0)
	cfg.InitialInterval = 50 * time.Millisecond
	bridge := NewBridge(d, &goRunner{}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	err := bridge.Do(ctx, ActionGrant, "foo.dcl.eth", "0xabc")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestBridge_EmptyRealmIsSkipped(t *testing.T) {
	runner := &goRunner{}
	d := &scriptedDelegator{}
	bridge := NewBridge(d, runner, fastConfig(nil, 1))

	bridge.Grant("", "0xabc")
	runner.wg.Wait()
	if d.calls != 0 {
		t.Errorf("calls = %d, want 0", d.calls)
	}
}

func TestBridge_RecordsDelegateSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	d := &scriptedDelegator{results: []error{
		&StatusError{StatusCode: http.StatusServiceUnavailable},
		&StatusError{StatusCode: http.StatusForbidden},
	}}
	bridge := NewBridge(d, &goRunner{}, fastConfig(nil, 5))
	if err := bridge.Do(context.Background(), ActionGrant, "foo.dcl.eth", "0xabc"); err == nil {
		t.Fatal("expected the 403 to fail the delegation")
	}

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "streaming.delegate" {
		t.Fatalf("spans = %v, want one streaming.delegate", spans)
	}
	got := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		got[kv.Key] = kv.Value
	}
	if got["streaming.action"].AsString() != "grant" {
		t.Errorf("action = %q, want grant", got["streaming.action"].AsString())
	}
	if got["streaming.realm"].AsString() != "foo.dcl.eth" {
		t.Errorf("realm = %q, want foo.dcl.eth", got["streaming.realm"].AsString())
	}
	if got["streaming.attempts"].AsInt64() != 2 {
		t.Errorf("attempts = %d, want 2", got["streaming.attempts"].AsInt64())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status())
	}
}

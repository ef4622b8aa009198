package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/slotcast/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader marks a response served from the idempotency store.
const IdempotentReplayHeader = "Idempotent-Replayed"

// idempotencyResponseWriter copies the response while passing it through.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Idempotency replays the stored 2xx response of an earlier request with
// the same Idempotency-Key. Requests without the header pass through. Keys
// are scoped to the authenticated caller, so it must run after RequireAuth.
func Idempotency(repo idempotency.Repository, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			if err := idempotency.ValidateKey(key); err != nil {
				code, msg := "invalid_idempotency_key", "Invalid Idempotency-Key format"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code, msg = "idempotency_key_too_long", "Idempotency-Key exceeds maximum length of 64 characters"
				}
				writeMiddlewareError(w, r, http.StatusBadRequest, code, msg)
				return
			}

			caller := ""
			if actor, ok := GetActor(ctx); ok {
				caller = actor.Address
			}
			scoped := idempotency.ScopedKey(caller, key)

			existing, err := repo.Get(ctx, scoped)
			switch {
			case err == nil:
				if existing.Method != r.Method || existing.Route != r.URL.Path {
					writeMiddlewareError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused",
						"Idempotency-Key was already used for a different request")
					return
				}
				slog.InfoContext(ctx, "idempotency key found, returning stored response",
					"key", key,
					"status", existing.StatusCode)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = io.WriteString(w, existing.Body)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			body := capture.body.String()
			record := &idempotency.Record{
				Key:          scoped,
				Method:       r.Method,
				Route:        r.URL.Path,
				ResponseHash: idempotency.ComputeResponseHash(body),
				StatusCode:   capture.statusCode,
				Body:         body,
			}
			if err := repo.Store(ctx, record, ttl); err != nil {
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
			}
		})
	}
}

// writeMiddlewareError writes the JSON error envelope used by the API.
func writeMiddlewareError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	UpdateResponseContext(w, SetErrorCode(r.Context(), code))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": msg},
	})
}

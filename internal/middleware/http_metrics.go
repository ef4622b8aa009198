// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are paths recorded verbatim.
var staticRoutes = map[string]bool{
	"/":                        true,
	"/bookings":                true,
	"/bookings/live":           true,
	"/bookings/preview-upload": true,
	"/signed/ws-token":         true,
	"/contents/changed":        true,
	"/ws/scene":                true,
	"/ws/changed/slots":        true,
	"/health":                  true,
	"/ready":                   true,
	"/metrics":                 true,
}

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like /bookings/123 to /bookings/{id}.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(path, "/")
	switch {
	case strings.HasPrefix(path, "/bookings/closest/") && len(parts) == 4 && parts[3] != "":
		return "/bookings/closest/{location}"
	case strings.HasPrefix(path, "/bookings/") && len(parts) == 3 && parts[2] != "":
		return "/bookings/{id}"
	case strings.HasPrefix(path, "/bookings/") && len(parts) == 4 && parts[3] == "stream-token":
		return "/bookings/{id}/stream-token"
	case strings.HasPrefix(path, "/bookings/") && len(parts) == 4 && isListState(parts[3]):
		return "/bookings/{location}/" + parts[3]
	case strings.HasPrefix(path, "/users/bookings/") && len(parts) == 5 && isListState(parts[4]):
		return "/users/bookings/{location}/" + parts[4]
	case strings.HasPrefix(path, "/locations/") && len(parts) == 4 && parts[3] == "bookings":
		return "/locations/{id}/bookings"
	case strings.HasPrefix(path, "/ws/booking/") && len(parts) == 5 && parts[4] == "signed":
		return "/ws/booking/{id}/signed"
	}

	// Unknown paths share one label.
	return "other"
}

func isListState(s string) bool {
	return s == "active" || s == "inactive"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(mrw.ResponseWriter, func() {
		mrw.statusCode = http.StatusSwitchingProtocols
		mrw.wroteHeader = true
	})
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// It captures duration, request/response sizes, and request counts.
// Health check endpoints (/health, /ready) are excluded from metrics to avoid cardinality issues.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exclude health check endpoints from metrics
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			// Wrap response writer to capture status and size
			mrw := newMetricsResponseWriter(w)

			// Get request size from Content-Length header
			requestSize := int64(0)
			if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
				if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
					requestSize = size
				}
			}

			// Call the next handler
			next.ServeHTTP(mrw, r)

			// Calculate duration in seconds
			duration := time.Since(start).Seconds()

			// Normalize path to prevent cardinality explosion
			normalizedPath := normalizePath(r.URL.Path)

			// Record metrics
			metrics.ObserveHTTPRequest(
				r.Method,
				normalizedPath,
				strconv.Itoa(mrw.statusCode),
				duration,
				requestSize,
				mrw.size,
			)
		})
	}
}

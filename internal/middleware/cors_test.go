package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsHandler(cfg CORSConfig) http.Handler {
	return CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORS_DisabledWhenNoOrigins(t *testing.T) {
	handler := corsHandler(CORSConfig{})

	req := httptest.NewRequest(http.MethodGet, "/bookings/live", nil)
	req.Header.Set("Origin", "http://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Errorf("expected no CORS headers when disabled, got %s", origin)
	}
}

func TestCORS_Requests(t *testing.T) {
	cfg := DefaultCORSConfig([]string{"https://play.example.org", " http://localhost:3000 ", ""})
	handler := corsHandler(cfg)

	tests := []struct {
		name        string
		method      string
		origin      string
		wantStatus  int
		wantAllowed string
	}{
		{"allowed origin", http.MethodGet, "https://play.example.org", http.StatusOK, "https://play.example.org"},
		{"whitespace trimmed", http.MethodPost, "http://localhost:3000", http.StatusOK, "http://localhost:3000"},
		{"unknown origin", http.MethodGet, "https://evil.example", http.StatusForbidden, ""},
		{"same origin", http.MethodGet, "", http.StatusOK, ""},
		{"preflight", http.MethodOptions, "https://play.example.org", http.StatusNoContent, "https://play.example.org"},
		{"preflight unknown origin", http.MethodOptions, "https://evil.example", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/bookings", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllowed {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllowed)
			}
		})
	}
}

func TestCORS_PreflightHeaders(t *testing.T) {
	handler := corsHandler(DefaultCORSConfig([]string{"https://play.example.org"}))

	req := httptest.NewRequest(http.MethodOptions, "/bookings/42", nil)
	req.Header.Set("Origin", "https://play.example.org")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PATCH, DELETE, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization, X-Request-ID" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("Access-Control-Max-Age = %q, want 600", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true", got)
	}
}

func TestCORS_CredentialsDisabled(t *testing.T) {
	cfg := DefaultCORSConfig([]string{"https://play.example.org"})
	cfg.AllowCredentials = false
	handler := corsHandler(cfg)

	req := httptest.NewRequest(http.MethodGet, "/bookings/live", nil)
	req.Header.Set("Origin", "https://play.example.org")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("expected no credentials header, got %q", got)
	}
}

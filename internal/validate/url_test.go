package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestURL(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		constraints URLConstraints
		wantErr     error
	}{
		{
			name:        "valid HTTPS URL",
			input:       "https://example.com/path",
			constraints: URLConstraints{AllowedSchemes: []string{"https"}},
		},
		{
			name:        "valid HTTP URL",
			input:       "http://example.com",
			constraints: URLConstraints{AllowedSchemes: []string{"http", "https"}},
		},
		{
			name:        "empty URL",
			input:       "",
			constraints: URLConstraints{AllowedSchemes: []string{"https"}},
			wantErr:     ErrEmpty,
		},
		{
			name:        "disallowed scheme",
			input:       "ftp://example.com",
			constraints: URLConstraints{AllowedSchemes: []string{"https"}},
			wantErr:     ErrDisallowedScheme,
		},
		{
			name:        "URL too long",
			input:       "https://example.com/" + strings.Repeat("a", 2048),
			constraints: URLConstraints{MaxLength: 2048},
			wantErr:     ErrStringTooLong,
		},
		{
			name:        "missing host",
			input:       "https:///path",
			constraints: URLConstraints{},
			wantErr:     ErrInvalidURL,
		},
		{
			name:        "unparseable",
			input:       "https://exa mple.com/%zz",
			constraints: URLConstraints{},
			wantErr:     ErrInvalidURL,
		},
		{
			name:        "private host allowed when not blocking",
			input:       "https://10.0.0.1/img.png",
			constraints: URLConstraints{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := URL(tt.input, tt.constraints)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPreviewURL(t *testing.T) {
	tests := []struct {
		input   string
		wantErr error
	}{
		{"https://cdn.example.com/preview.png", nil},
		{"  https://cdn.example.com/preview.png  ", nil},
		{"http://cdn.example.com/preview.png", ErrDisallowedScheme},
		{"https://localhost/preview.png", ErrDisallowedHost},
		{"https://app.localhost/preview.png", ErrDisallowedHost},
		{"https://127.0.0.1/preview.png", ErrDisallowedHost},
		{"https://192.168.1.10/preview.png", ErrDisallowedHost},
		{"https://169.254.169.254/latest", ErrDisallowedHost},
		{"https://[::1]/preview.png", ErrDisallowedHost},
		{"https://[fd00::1]/preview.png", ErrDisallowedHost},
		{"https://0.0.0.0/preview.png", ErrDisallowedHost},
		{"https://8.8.8.8/preview.png", nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := PreviewURL(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PreviewURL(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != strings.TrimSpace(tt.input) {
				t.Errorf("expected trimmed URL, got %q", got)
			}
		})
	}
}

package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/onnwee/slotcast/internal/upload"
)

func withUploads(t *testing.T) envOption {
	return func(cfg *RouterConfig, env *testEnv) {
		service, err := upload.NewService(upload.ServiceConfig{
			BucketName:      "previews",
			AccessKeyID:     "test-key",
			SecretAccessKey: "test-secret",
			Endpoint:        "https://test.r2.cloudflarestorage.com",
			PublicURL:       "https://cdn.example.com",
			MaxSizeMB:       1,
		})
		if err != nil {
			t.Fatalf("failed to create upload service: %v", err)
		}
		cfg.Uploads = NewUploadHandlers(service)
	}
}

func TestSignPreview(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.do(t, http.MethodPost, "/bookings/preview-upload", env.token(t, ownerAddr, "user"),
			SignUploadRequest{ContentType: upload.MIMEImagePNG, SizeBytes: 100})
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	env := newTestEnv(t, withUploads(t))
	tests := []struct {
		name       string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "signed",
			token:      env.token(t, ownerAddr, "user"),
			body:       SignUploadRequest{ContentType: upload.MIMEImagePNG, SizeBytes: 2048},
			wantStatus: http.StatusOK,
		},
		{
			name:       "anonymous",
			body:       SignUploadRequest{ContentType: upload.MIMEImagePNG, SizeBytes: 2048},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing content type",
			token:      env.token(t, ownerAddr, "user"),
			body:       SignUploadRequest{SizeBytes: 2048},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "unsupported type",
			token:      env.token(t, ownerAddr, "user"),
			body:       SignUploadRequest{ContentType: "image/gif", SizeBytes: 2048},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeUnsupportedType,
		},
		{
			name:       "too large",
			token:      env.token(t, ownerAddr, "user"),
			body:       SignUploadRequest{ContentType: upload.MIMEImageJPEG, SizeBytes: 2 << 20},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "unknown field",
			token:      env.token(t, ownerAddr, "user"),
			body:       map[string]any{"content_type": upload.MIMEImagePNG, "size_bytes": 10, "post_id": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/bookings/preview-upload", tt.token, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if code := errorCode(t, resp); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body SignUploadResponse
			decodeJSON(t, resp, &body)
			if !strings.HasPrefix(body.Key, "previews/0xowner/") {
				t.Errorf("key = %q, want previews/0xowner/ prefix", body.Key)
			}
			if body.PublicURL != "https://cdn.example.com/"+body.Key {
				t.Errorf("public_url = %q", body.PublicURL)
			}
			if !strings.Contains(body.URL, "X-Amz-Signature=") {
				t.Errorf("url %q is not signed", body.URL)
			}
		})
	}
}

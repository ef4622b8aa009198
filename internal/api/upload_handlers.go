package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/slotcast/internal/upload"
)

// ErrCodeUnsupportedType rejects preview images of a disallowed MIME type.
const ErrCodeUnsupportedType = "unsupported_type"

// SignUploadRequest is the body of POST /bookings/preview-upload.
type SignUploadRequest struct {
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// SignUploadResponse carries the signed PUT URL and the public URL to set as
// the booking preview once the upload finishes.
type SignUploadResponse struct {
	URL       string `json:"url"`
	Key       string `json:"key"`
	PublicURL string `json:"public_url"`
	ExpiresAt string `json:"expires_at"`
}

// UploadHandlers signs preview image uploads.
type UploadHandlers struct {
	uploads *upload.Service
}

// NewUploadHandlers creates upload handlers. uploads may be nil when object
// storage is not configured; the endpoint then answers 503.
func NewUploadHandlers(uploads *upload.Service) *UploadHandlers {
	return &UploadHandlers{uploads: uploads}
}

// SignPreview handles POST /bookings/preview-upload.
func (h *UploadHandlers) SignPreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.uploads == nil {
		WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeUnavailable, "Preview uploads are not configured")
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req SignUploadRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if req.ContentType == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "content_type is required")
		return
	}

	signed, err := h.uploads.GenerateSignedURL(ctx, upload.SignedURLRequest{
		Owner:       actor.Address,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	})
	switch {
	case err == nil:
	case errors.Is(err, upload.ErrUnsupportedType):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedType,
			"Unsupported content type. Allowed types: image/jpeg, image/png, image/webp")
		return
	case errors.Is(err, upload.ErrFileTooLarge):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "File size exceeds maximum allowed")
		return
	case errors.Is(err, upload.ErrInvalidSize), errors.Is(err, upload.ErrInvalidOwner):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	default:
		slog.ErrorContext(ctx, "failed to generate signed URL", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to generate signed URL")
		return
	}

	writeJSON(w, ctx, http.StatusOK, SignUploadResponse{
		URL:       signed.URL,
		Key:       signed.Key,
		PublicURL: signed.PublicURL,
		ExpiresAt: signed.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

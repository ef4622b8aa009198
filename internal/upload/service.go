// Package upload signs direct browser uploads of booking preview images to
// R2 object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Allowed preview image types.
const (
	MIMEImageJPEG = "image/jpeg"
	MIMEImagePNG  = "image/png"
	MIMEImageWebP = "image/webp"
)

// Validation errors.
var (
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrFileTooLarge    = errors.New("file size exceeds maximum allowed")
	ErrInvalidSize     = errors.New("file size must be positive")
	ErrInvalidOwner    = errors.New("invalid owner")
)

// AllowedMIMETypes maps allowed MIME types to their file extensions.
var AllowedMIMETypes = map[string]string{
	MIMEImageJPEG: ".jpg",
	MIMEImagePNG:  ".png",
	MIMEImageWebP: ".webp",
}

// SignedURLRequest describes the image the caller is about to upload.
type SignedURLRequest struct {
	Owner       string
	ContentType string
	SizeBytes   int64
}

// SignedURLResponse holds the pre-signed PUT URL and the public URL the
// object will be served from. PublicURL is what goes into a booking preview.
type SignedURLResponse struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	PublicURL string    `json:"public_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// objectDeleter is the subset of the S3 client used to remove previews.
type objectDeleter interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Service signs preview uploads and removes previews that are no longer used.
type Service struct {
	presignClient *s3.PresignClient
	objects       objectDeleter
	bucketName    string
	publicURL     string
	maxSizeBytes  int64
	urlExpiry     time.Duration
	timeNow       func() time.Time
}

// ServiceConfig holds configuration for the upload service.
type ServiceConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	PublicURL       string
	MaxSizeMB       int
	URLExpiry       time.Duration // default 5m
}

// NewService creates an upload service for an R2 bucket.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.PublicURL == "" {
		return nil, errors.New("public URL is required")
	}

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 5
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 5 * time.Minute
	}

	// R2 takes the "auto" region and path-style addressing.
	client := s3.New(s3.Options{
		Region: "auto",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &Service{
		presignClient: s3.NewPresignClient(client),
		objects:       client,
		bucketName:    cfg.BucketName,
		publicURL:     strings.TrimRight(cfg.PublicURL, "/"),
		maxSizeBytes:  int64(cfg.MaxSizeMB) * 1024 * 1024,
		urlExpiry:     cfg.URLExpiry,
		timeNow:       time.Now,
	}, nil
}

// ValidateContentType checks if the content type is allowed.
func ValidateContentType(contentType string) error {
	if _, ok := AllowedMIMETypes[contentType]; !ok {
		return ErrUnsupportedType
	}
	return nil
}

// ValidateFileSize checks that the declared size is within limits.
func (s *Service) ValidateFileSize(sizeBytes int64) error {
	if sizeBytes <= 0 {
		return ErrInvalidSize
	}
	if sizeBytes > s.maxSizeBytes {
		return ErrFileTooLarge
	}
	return nil
}

// GenerateObjectKey returns previews/{owner}/{uuid}.{ext}.
func GenerateObjectKey(contentType, owner string) (string, error) {
	ext, ok := AllowedMIMETypes[contentType]
	if !ok {
		return "", ErrUnsupportedType
	}
	prefix := sanitizePathComponent(strings.ToLower(owner))
	if prefix == "" {
		return "", ErrInvalidOwner
	}
	return fmt.Sprintf("previews/%s/%s%s", prefix, uuid.NewString(), ext), nil
}

// sanitizePathComponent keeps only alphanumerics, hyphens and underscores.
func sanitizePathComponent(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// GenerateSignedURL signs a PUT for a new preview object. The signature
// covers the content type and length, so the browser must send both as
// declared.
func (s *Service) GenerateSignedURL(ctx context.Context, req SignedURLRequest) (*SignedURLResponse, error) {
	if err := ValidateContentType(req.ContentType); err != nil {
		return nil, err
	}
	if err := s.ValidateFileSize(req.SizeBytes); err != nil {
		return nil, err
	}
	key, err := GenerateObjectKey(req.ContentType, req.Owner)
	if err != nil {
		return nil, err
	}

	presigned, err := s.presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		ContentType:   aws.String(req.ContentType),
		ContentLength: aws.Int64(req.SizeBytes),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.urlExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign request: %w", err)
	}

	return &SignedURLResponse{
		URL:       presigned.URL,
		Key:       key,
		PublicURL: s.publicURL + "/" + key,
		ExpiresAt: s.timeNow().Add(s.urlExpiry),
	}, nil
}

// DeletePreview removes the object behind a preview URL issued by this
// service. URLs outside the public bucket or the previews/ prefix are left
// alone and yield nil.
func (s *Service) DeletePreview(ctx context.Context, publicURL string) error {
	key, ok := s.keyFor(publicURL)
	if !ok {
		return nil
	}
	_, err := s.objects.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *Service) keyFor(publicURL string) (string, bool) {
	key, found := strings.CutPrefix(publicURL, s.publicURL+"/")
	if !found || !strings.HasPrefix(key, "previews/") || strings.Contains(key, "..") {
		return "", false
	}
	return key, true
}

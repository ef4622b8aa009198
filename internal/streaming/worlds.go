package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultWorldsURL is the default permission authority.
const DefaultWorldsURL = "https://worlds-content-server.decentraland.org"

const maxErrorBody = 1024

// WorldsDelegator sets world streaming permissions with signed HTTP requests.
type WorldsDelegator struct {
	baseURL string
	signer  *Signer
	client  *http.Client
	now     func() time.Time
}

// WorldsOption configures a WorldsDelegator.
type WorldsOption func(*WorldsDelegator)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WorldsOption {
	return func(d *WorldsDelegator) { d.client = c }
}

// WithClock overrides the clock used for request timestamps.
func WithClock(now func() time.Time) WorldsOption {
	return func(d *WorldsDelegator) { d.now = now }
}

// NewWorldsDelegator creates a delegator against baseURL (DefaultWorldsURL if empty).
func NewWorldsDelegator(baseURL string, signer *Signer, opts ...WorldsOption) *WorldsDelegator {
	if baseURL == "" {
		baseURL = DefaultWorldsURL
	}
	d := &WorldsDelegator{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PermissionPath returns the request path for a realm and identity.
func PermissionPath(realm, identity string) string {
	return "/world/" + url.PathEscape(realm) + "/permissions/streaming/" + url.PathEscape(strings.ToLower(identity))
}

// Delegate sends one signed request. Every call signs with a fresh timestamp.
func (d *WorldsDelegator) Delegate(ctx context.Context, action Action, realm, identity string) error {
	path := PermissionPath(realm, identity)
	req, err := http.NewRequestWithContext(ctx, action.HTTPMethod(), d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	if err := d.signer.Sign(req.Header, string(action), path, d.now().UnixMilli()); err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", action.HTTPMethod(), path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

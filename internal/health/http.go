package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPChecker probes an upstream over HTTP and treats any 2xx as healthy.
type HTTPChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPChecker creates a checker for the given base URL. The name only
// appears in error messages.
func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// NewLiveKitChecker probes a LiveKit server. Signal URLs use ws or wss, so
// the scheme is mapped to its HTTP equivalent.
func NewLiveKitChecker(url string) *HTTPChecker {
	switch {
	case strings.HasPrefix(url, "wss://"):
		url = "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		url = "http://" + strings.TrimPrefix(url, "ws://")
	}
	return NewHTTPChecker("livekit", url)
}

// HealthCheck issues a GET against the base URL.
func (c *HTTPChecker) HealthCheck(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("%s url not configured", c.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s unhealthy: unexpected status code %d", c.name, resp.StatusCode)
	}
	return nil
}

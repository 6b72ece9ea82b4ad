// Package fetch retrieves raw page content for monitored URLs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// Some sites reject requests without a browser user agent.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var ErrInvalidURL = errors.New("invalid url")

type Config struct {
	Timeout     time.Duration // per-request bound; default 15s
	MaxBodySize int64         // bytes; default 5 MiB

	// SSRFGuard routes requests through a client that blocks private,
	// loopback and link-local destinations (including cloud metadata
	// IPs, with DNS-rebinding protection). Disable only for trusted
	// private deployments.
	SSRFGuard bool
}

// Client fetches URLs with a bounded timeout. It implements page.Fetcher.
type Client struct {
	http        *http.Client
	maxBodySize int64
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = 5 << 20
	}

	var hc *http.Client
	if cfg.SSRFGuard {
		scfg := safeurl.GetConfigBuilder().
			SetTimeout(timeout).
			SetAllowedSchemes("http", "https").
			SetAllowedPorts(80, 443).
			Build()
		hc = safeurl.Client(scfg).Client
	} else {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{http: hc, maxBodySize: maxBody}
}

// ValidateURL statically checks that raw is a fetchable http(s) URL.
// It runs before any monitor state is created or mutated.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q (want http or https)", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Fetch retrieves the body of url as text. Non-2xx responses are errors.
func (c *Client) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

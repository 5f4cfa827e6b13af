// Package auth provides the profile, onboarding and auth-event collaborators used at boot.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// TokenSecret is the secure-store secret holding the bearer token.
	TokenSecret = "auth_token"

	profilePath           = "/v1/profile"
	defaultMaxBytes int64 = 64 << 10
)

// Profile is the signed-in user's state as reported by the backend.
type Profile struct {
	Authenticated     bool   `json:"authenticated"`
	EntitlementsValid bool   `json:"entitlementsValid"`
	UserID            string `json:"userId,omitempty"`
}

// TokenSource reads named secrets.
type TokenSource interface {
	GetSecret(ctx context.Context, name string) (string, bool, error)
}

// Client fetches the profile over HTTP. Concurrent callers share one in-flight request.
type Client struct {
	logger   zerolog.Logger
	url      string
	tokens   TokenSource
	client   *retryablehttp.Client
	limiter  *rate.Limiter
	maxBytes int64
	group    singleflight.Group

	mu     sync.Mutex
	etag   string
	cached Profile
}

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithRetries sets the retry budget and wait bounds for transient failures.
func WithRetries(max int, waitMin, waitMax time.Duration) ClientOption {
	return func(c *Client) {
		c.client.RetryMax = max
		c.client.RetryWaitMin = waitMin
		c.client.RetryWaitMax = waitMax
	}
}

// WithRateLimit bounds how often the backend is contacted.
func WithRateLimit(every time.Duration, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// NewClient constructs a Client for baseURL.
func NewClient(logger zerolog.Logger, baseURL string, tokens TokenSource, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("auth url must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}

	c := &Client{
		logger:   logger,
		url:      baseURL + profilePath,
		tokens:   tokens,
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Profile returns the current profile. A missing token yields an unauthenticated
// profile without network I/O, as do 401 and 403 responses.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	token, found, err := c.tokens.GetSecret(ctx, TokenSecret)
	if err != nil {
		return Profile{}, fmt.Errorf("read auth token: %w", err)
	}
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return Profile{}, nil
	}

	v, err, shared := c.group.Do("profile", func() (interface{}, error) {
		return c.fetch(ctx, token)
	})
	if err != nil {
		return Profile{}, err
	}
	if shared {
		c.logger.Debug().Msg("profile request shared with concurrent caller")
	}
	return v.(Profile), nil
}

func (c *Client) fetch(ctx context.Context, token string) (Profile, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Profile{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	c.mu.Lock()
	etag := c.etag
	c.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.cached, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.resetCache()
		c.logger.Info().Int("status", resp.StatusCode).Msg("profile request rejected, treating as signed out")
		return Profile{}, nil
	case resp.StatusCode != http.StatusOK:
		return Profile{}, fmt.Errorf("fetch profile: unexpected status %s", resp.Status)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return Profile{}, fmt.Errorf("profile response exceeds %d bytes", c.maxBytes)
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}

	c.mu.Lock()
	c.etag = resp.Header.Get("ETag")
	c.cached = profile
	c.mu.Unlock()

	return profile, nil
}

func (c *Client) resetCache() {
	c.mu.Lock()
	c.etag = ""
	c.cached = Profile{}
	c.mu.Unlock()
}

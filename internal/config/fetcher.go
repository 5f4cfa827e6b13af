package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultManifestMaxBytes int64 = 1 << 20
	defaultManifestTimeout        = 10 * time.Second
)

// ManifestFetcher retrieves a services manifest over HTTP. Transient failures
// (connection errors, 5xx, 429) are retried; other statuses fail immediately.
type ManifestFetcher struct {
	url      string
	client   *retryablehttp.Client
	maxBytes int64
}

// FetcherOption customizes a ManifestFetcher.
type FetcherOption func(*ManifestFetcher)

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) FetcherOption {
	return func(f *ManifestFetcher) {
		f.client.RetryMax = n
	}
}

// WithRetryDelay sets the wait between retries.
func WithRetryDelay(d time.Duration) FetcherOption {
	return func(f *ManifestFetcher) {
		f.client.RetryWaitMin = d
		f.client.RetryWaitMax = d
	}
}

// WithMaxBytes bounds the accepted manifest size.
func WithMaxBytes(n int64) FetcherOption {
	return func(f *ManifestFetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// NewManifestFetcher constructs a fetcher for url.
func NewManifestFetcher(url string, timeout time.Duration, opts ...FetcherOption) (*ManifestFetcher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("services url must not be empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	f := &ManifestFetcher{url: url, client: client, maxBytes: defaultManifestMaxBytes}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch downloads the manifest body.
func (f *ManifestFetcher) Fetch(ctx context.Context) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml, text/yaml, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch services: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch services: unexpected status %s", resp.Status)
	}

	body, err := readWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("services body is empty")
	}
	return body, nil
}

func readWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read services: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("services body exceeds %d bytes", maxBytes)
	}
	return body, nil
}

func isURL(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const remoteManifest = `services:
  - name: secure-store
    required: true
  - name: monitor
    dependencies: [secure-store]
`

func TestManifestFetcher_Fetch_OK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(remoteManifest))
	}))
	defer server.Close()

	fetcher, err := NewManifestFetcher(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	body, err := fetcher.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != remoteManifest {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestManifestFetcher_RejectsEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	fetcher, err := NewManifestFetcher(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func TestManifestFetcher_RejectsOversizeBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer server.Close()

	fetcher, err := NewManifestFetcher(server.URL, time.Second, WithMaxBytes(16))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	_, err = fetcher.Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestManifestFetcher_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(remoteManifest))
	}))
	defer server.Close()

	fetcher, err := NewManifestFetcher(server.URL, time.Second, WithMaxRetries(3), WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestManifestFetcher_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	fetcher, err := NewManifestFetcher(server.URL, time.Second, WithMaxRetries(3), WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	_, err = fetcher.Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected single call, got %d", got)
	}
}

func TestNewManifestFetcher_Validation(t *testing.T) {
	if _, err := NewManifestFetcher("", time.Second); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewManifestFetcher("http://example.com", 0); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
}

func TestLoadManifest_FromURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(remoteManifest))
	}))
	defer server.Close()

	m, err := LoadManifest(server.URL + "/services.yaml")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if len(m.Services) != 2 || m.Services[1].Name != "monitor" {
		t.Fatalf("unexpected services: %+v", m.Services)
	}
	if m.Fingerprint == "" {
		t.Fatalf("expected fingerprint")
	}
}

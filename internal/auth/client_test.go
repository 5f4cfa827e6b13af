package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) GetSecret(context.Context, string) (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	return s.token, s.token != "", nil
}

func newTestClient(t *testing.T, url string, tokens TokenSource) *Client {
	t.Helper()
	client, err := NewClient(zerolog.Nop(), url, tokens, time.Second,
		WithRetries(2, time.Millisecond, 5*time.Millisecond),
		WithRateLimit(time.Millisecond, 100),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClient_Profile(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/profile" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"authenticated":true,"entitlementsValid":true,"userId":"u-1"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/", staticTokens{token: "tok"})
	profile, err := client.Profile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !profile.Authenticated || !profile.EntitlementsValid || profile.UserID != "u-1" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected authorization header: %q", gotAuth)
	}
}

func TestClient_NoTokenSkipsNetwork(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticTokens{})
	profile, err := client.Profile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.Authenticated {
		t.Fatalf("expected unauthenticated profile")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no requests without a token")
	}
}

func TestClient_TokenReadError(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1", staticTokens{err: errors.New("store down")})
	if _, err := client.Profile(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestClient_StatusHandling(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "forbidden", status: http.StatusForbidden},
		{name: "not found", status: http.StatusNotFound, wantErr: true},
		{name: "server error after retries", status: http.StatusBadGateway, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL, staticTokens{token: "tok"})
			profile, err := client.Profile(context.Background())
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if profile.Authenticated {
				t.Fatalf("expected unauthenticated profile")
			}
			if tc.status == http.StatusBadGateway && atomic.LoadInt32(&calls) != 3 {
				t.Fatalf("expected 3 attempts, got %d", calls)
			}
		})
	}
}

func TestClient_ETagRevalidation(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"authenticated":true,"entitlementsValid":false}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticTokens{token: "tok"})
	first, err := client.Profile(context.Background())
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := client.Profile(context.Background())
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if first != second || !second.Authenticated || second.EntitlementsValid {
		t.Fatalf("expected cached profile, got %+v then %+v", first, second)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestClient_ConcurrentCallersShareRequest(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_, _ = w.Write([]byte(`{"authenticated":true,"entitlementsValid":true}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, staticTokens{token: "tok"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Profile(context.Background()); err != nil {
				t.Errorf("profile: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got < 1 || got > 5 {
		t.Fatalf("unexpected request count: %d", got)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(zerolog.Nop(), " ", staticTokens{}, time.Second); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewClient(zerolog.Nop(), "http://x", nil, time.Second); err == nil {
		t.Fatalf("expected error for nil token source")
	}
	if _, err := NewClient(zerolog.Nop(), "http://x", staticTokens{}, 0); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
}

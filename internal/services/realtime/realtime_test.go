package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jarvis-dash/jarvis-core/internal/auth"
	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []health.Status
}

func (r *recordingSink) Update(_ string, status health.Status, _ string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, status)
}

func (r *recordingSink) snapshot() []health.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]health.Status(nil), r.updates...)
}

type fakeTokens struct {
	token string
}

func (f fakeTokens) GetSecret(context.Context, string) (string, bool, error) {
	return f.token, f.token != "", nil
}

// newServer upgrades every request and hands the connection to handle.
func newServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request, n int32)) (*httptest.Server, string) {
	t.Helper()
	var count int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r, atomic.AddInt32(&count, 1))
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestServicePublishesAuthFrames(t *testing.T) {
	var gotAuth atomic.Value
	_, url := newServer(t, func(conn *websocket.Conn, r *http.Request, _ int32) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence"}`))
		_ = conn.WriteJSON(map[string]any{"type": "auth", "authenticated": false})
		drain(conn)
	})

	broadcaster := auth.NewBroadcaster(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := broadcaster.Watch(ctx)

	svc := New(zerolog.Nop(), url, broadcaster, nil, WithTokens(fakeTokens{token: "tok"}))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() {
		if err := svc.Stop(context.Background()); err != nil {
			t.Fatalf("Stop error: %v", err)
		}
	}()

	select {
	case ev := <-events:
		if ev.Authenticated || ev.Source != Name {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for auth event")
	}
	if got, _ := gotAuth.Load().(string); got != "Bearer tok" {
		t.Fatalf("unexpected authorization header %q", got)
	}
}

func TestServiceReconnectsAfterLoss(t *testing.T) {
	_, url := newServer(t, func(conn *websocket.Conn, _ *http.Request, n int32) {
		if n == 1 {
			return
		}
		drain(conn)
	})

	sink := &recordingSink{}
	svc := New(zerolog.Nop(), url, nil, sink, WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer svc.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		updates := sink.snapshot()
		if len(updates) >= 2 {
			if updates[0] != health.StatusDegraded || updates[1] != health.StatusHealthy {
				t.Fatalf("unexpected health updates: %v", updates)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected degraded then healthy, got %v", sink.snapshot())
}

func TestServiceStartFailsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	svc := New(zerolog.Nop(), url, nil, nil)
	if err := svc.Start(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after failed start: %v", err)
	}
}

func TestServiceDisabledWithoutURL(t *testing.T) {
	svc := New(zerolog.Nop(), "", nil, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestServiceStopUnblocksReader(t *testing.T) {
	_, url := newServer(t, func(conn *websocket.Conn, _ *http.Request, _ int32) {
		drain(conn)
	})

	sink := &recordingSink{}
	svc := New(zerolog.Nop(), url, nil, sink, WithPingInterval(50*time.Millisecond))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if updates := sink.snapshot(); len(updates) != 0 {
		t.Fatalf("expected no health updates on clean stop, got %v", updates)
	}
}

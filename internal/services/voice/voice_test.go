package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/runner"
	"github.com/rs/zerolog"
)

type chanTicker struct {
	ch chan time.Time
}

func (t chanTicker) C() <-chan time.Time { return t.ch }
func (t chanTicker) Stop()               {}

type recordingSink struct {
	mu       sync.Mutex
	statuses []health.Status
}

func (r *recordingSink) Update(_ string, status health.Status, _ string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recordingSink) snapshot() []health.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]health.Status(nil), r.statuses...)
}

func TestServiceReportsListenerFailuresOnce(t *testing.T) {
	results := []error{nil, errors.New("mic busy"), errors.New("mic busy"), nil}
	calls := make(chan struct{}, len(results))
	var mu sync.Mutex
	idx := 0
	listener := ListenerFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		err := results[idx%len(results)]
		idx++
		calls <- struct{}{}
		return err
	})

	ticker := chanTicker{ch: make(chan time.Time, len(results))}
	sink := &recordingSink{}
	svc := New(zerolog.Nop(), time.Second, listener, sink,
		runner.WithTickerFactory(func(time.Duration) runner.Ticker { return ticker }),
	)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	for i := 0; i < len(results)-1; i++ {
		ticker.ch <- time.Now()
	}
	for i := 0; i < len(results); i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("expected %d listen calls, got %d", len(results), i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	got := sink.snapshot()
	want := []health.Status{health.StatusDegraded, health.StatusHealthy}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected health updates: %v", got)
	}
}

func TestServiceStartStopIdempotent(t *testing.T) {
	svc := New(zerolog.Nop(), time.Hour, nil, nil)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("second Start error: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}
}

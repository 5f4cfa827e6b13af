package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ch: make(chan time.Time, 4)}
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTicker) factory(time.Duration) Ticker { return t }

// runInBackground starts r.Run and returns a func that cancels it and waits for exit.
func runInBackground(t *testing.T, r *Runner) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	return func() {
		t.Helper()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("runner did not stop after cancel")
		}
	}
}

func counting(calls chan<- struct{}, err error) Option {
	return WithRunOnce(func(context.Context) error {
		calls <- struct{}{}
		return err
	})
}

func TestRunner_RunsImmediatelyThenOnEveryTick(t *testing.T) {
	ticker := newFakeTicker()
	calls := make(chan struct{}, 4)
	r := New(zerolog.Nop(), time.Second, WithTickerFactory(ticker.factory), counting(calls, nil))

	stop := runInBackground(t, r)
	if !waitForCalls(calls, 1, time.Second) {
		t.Fatalf("expected immediate first run")
	}

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()
	if !waitForCalls(calls, 2, time.Second) {
		t.Fatalf("expected a run per tick")
	}

	stop()
	if !ticker.isStopped() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRunner_CancelBeforeAnyTick(t *testing.T) {
	ticker := newFakeTicker()
	r := New(zerolog.Nop(), time.Second, WithTickerFactory(ticker.factory))

	runInBackground(t, r)()

	if !ticker.isStopped() {
		t.Fatalf("expected ticker to be stopped")
	}
}

func TestRunner_RejectsZeroPollInterval(t *testing.T) {
	if err := New(zerolog.Nop(), 0).Run(context.Background()); err == nil {
		t.Fatalf("expected error for zero poll interval")
	}
}

func TestRunner_ErrorsAreLoggedWithLoopName(t *testing.T) {
	var buf syncBuffer
	ticker := newFakeTicker()
	calls := make(chan struct{}, 4)
	r := New(zerolog.New(&buf), time.Second,
		WithTickerFactory(ticker.factory),
		WithName("voice"),
		counting(calls, WrapRuntime("listen", errors.New("mic busy"))),
	)

	stop := runInBackground(t, r)
	if !waitForCalls(calls, 1, time.Second) {
		t.Fatalf("expected first run")
	}
	stop()

	out := buf.String()
	for _, want := range []string{`"loop":"voice"`, `"op":"listen"`, `"level":"warn"`, `"cycle":1`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in logs, got %s", want, out)
		}
	}
}

func TestRunner_Go_StopWaitsForExit(t *testing.T) {
	ticker := newFakeTicker()
	calls := make(chan struct{}, 4)
	r := New(zerolog.Nop(), time.Second,
		WithTickerFactory(ticker.factory),
		counting(calls, WrapRuntime("poll", errors.New("transient"))),
	)

	handle := r.Go(context.Background())
	if !waitForCalls(calls, 1, time.Second) {
		t.Fatalf("expected immediate first run")
	}
	ticker.ch <- time.Now()
	if !waitForCalls(calls, 1, time.Second) {
		t.Fatalf("expected run after tick despite previous error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-handle.Done():
	default:
		t.Fatalf("expected runner to have exited")
	}
	if !ticker.isStopped() {
		t.Fatalf("expected ticker to be stopped")
	}

	var nilHandle *Handle
	if err := nilHandle.Stop(ctx); err != nil {
		t.Fatalf("nil handle stop: %v", err)
	}
}

func TestWrapRuntime(t *testing.T) {
	if WrapRuntime("op", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	cause := errors.New("boom")
	err := WrapRuntime("save state", cause)
	var runtimeErr *RuntimeError
	if !errors.As(err, &runtimeErr) || runtimeErr.Op != "save state" || !errors.Is(err, cause) {
		t.Fatalf("unexpected wrapped error: %v", err)
	}
	if err.Error() != "save state: boom" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForCalls(ch <-chan struct{}, count int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < count; i++ {
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
	return true
}

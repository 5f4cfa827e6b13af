package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/transition"
	"github.com/rs/zerolog"
)

type countingNotifier struct {
	calls int
}

func (n *countingNotifier) Notify(context.Context, string, []transition.Transition) error {
	n.calls++
	return nil
}

func TestDryRunNotifierSuppressesDelivery(t *testing.T) {
	inner := &countingNotifier{}
	dryRun := NewDryRunNotifier(zerolog.Nop(), inner)

	transitions := []transition.Transition{
		{Name: "api", Current: health.StatusUnhealthy},
	}

	if err := dryRun.Notify(context.Background(), "alpha", transitions); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if inner.calls != 0 {
		t.Fatalf("expected no notifier calls, got %d", inner.calls)
	}
}

func TestDryRunNotifierLogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	dryRun := NewDryRunNotifier(zerolog.New(&buf), &countingNotifier{})

	transitions := []transition.Transition{
		{Name: "voice", Previous: health.StatusHealthy, Current: health.StatusDegraded, Message: "mic busy"},
	}
	if err := dryRun.Notify(context.Background(), "", transitions); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"dry_run":true`, `"source":"default"`, `"escalations":1`, `"service":"voice"`, `"level":"warn"`, "would notify"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log output, got %s", want, out)
		}
	}
}

type failingNotifier struct {
	err error
}

func (n *failingNotifier) Notify(context.Context, string, []transition.Transition) error {
	return n.err
}

func TestMultiNotifierDeliversToAllAndReturnsFirstError(t *testing.T) {
	first := &countingNotifier{}
	second := &countingNotifier{}
	boom := errors.New("boom")

	multi := NewMultiNotifier(first, nil, &failingNotifier{err: boom}, second, &failingNotifier{err: errors.New("later")})

	err := multi.Notify(context.Background(), "alpha", []transition.Transition{{Name: "api"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected first error, got %v", err)
	}
	if !strings.Contains(err.Error(), "later") {
		t.Fatalf("expected later error joined, got %v", err)
	}
	if multi.Len() != 4 {
		t.Fatalf("expected nil notifier skipped, got %d", multi.Len())
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected every notifier called, got %d and %d", first.calls, second.calls)
	}
}

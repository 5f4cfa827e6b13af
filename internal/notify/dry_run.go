package notify

import (
	"context"
	"fmt"

	"github.com/jarvis-dash/jarvis-core/internal/transition"
	"github.com/rs/zerolog"
)

// DryRunNotifier logs what would have been delivered through the wrapped notifier.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	l := logger.With().Bool("dry_run", true)
	if inner != nil {
		l = l.Str("target", fmt.Sprintf("%T", inner))
	}
	return &DryRunNotifier{logger: l.Logger(), inner: inner}
}

// Notify implements Notifier. Nothing leaves the process.
func (n *DryRunNotifier) Notify(_ context.Context, source string, transitions []transition.Transition) error {
	source = sourceOrDefault(source)
	n.logger.Info().
		Str("source", source).
		Int("transitions", len(transitions)).
		Int("escalations", escalations(transitions)).
		Msg("notification suppressed")
	for _, t := range transitions {
		event := n.logger.Info()
		if t.Escalation() {
			event = n.logger.Warn()
		}
		event.
			Str("service", t.Name).
			Str("previous", string(t.Previous)).
			Str("current", string(t.Current)).
			Str("message", t.Message).
			Str("error", t.Error).
			Msg("would notify")
	}
	return nil
}

package notify

import (
	"context"

	"github.com/jarvis-dash/jarvis-core/internal/transition"
	"github.com/rs/zerolog"
)

// NoopNotifier discards transitions. It stands in for an unconfigured endpoint.
type NoopNotifier struct {
	Reason string
}

// NewNoop logs reason once at construction.
func NewNoop(logger zerolog.Logger, reason string) *NoopNotifier {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopNotifier{Reason: reason}
}

func (*NoopNotifier) Notify(context.Context, string, []transition.Transition) error {
	return nil
}

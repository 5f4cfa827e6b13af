// Package notify delivers health transition alerts to chat and webhook endpoints.
package notify

import (
	"context"

	"github.com/jarvis-dash/jarvis-core/internal/transition"
)

// Notifier delivers transition alerts to external systems. Source names the
// instance that observed the transitions.
type Notifier interface {
	Notify(ctx context.Context, source string, transitions []transition.Transition) error
}

const defaultSource = "default"

func sourceOrDefault(source string) string {
	if source == "" {
		return defaultSource
	}
	return source
}

// escalations counts the transitions that moved to a worse status.
func escalations(transitions []transition.Transition) int {
	n := 0
	for _, t := range transitions {
		if t.Escalation() {
			n++
		}
	}
	return n
}

package notify

import (
	"context"
	"errors"

	"github.com/jarvis-dash/jarvis-core/internal/transition"
)

// MultiNotifier delivers every batch to all of its notifiers, even after one fails.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier skips nil notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len reports how many notifiers are attached.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Notify implements Notifier. The first error is returned; later ones are
// joined behind it so callers still see every failure.
func (m *MultiNotifier) Notify(ctx context.Context, source string, transitions []transition.Transition) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, source, transitions); err != nil {
			errs = append(errs, err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

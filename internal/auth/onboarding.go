package auth

import (
	"context"
	"strconv"
	"strings"
)

const (
	onboardingScope = "app"
	onboardingKey   = "onboarding_complete"
)

// FlagStore is the subset of the secure store used for flags.
type FlagStore interface {
	Get(ctx context.Context, scope, key string) (string, bool, error)
	Save(ctx context.Context, scope, key, value string) error
}

// OnboardingFlag tracks whether the user finished onboarding.
type OnboardingFlag struct {
	store FlagStore
}

func NewOnboardingFlag(store FlagStore) *OnboardingFlag {
	return &OnboardingFlag{store: store}
}

// Complete reports whether the flag is set. Unparseable values count as incomplete.
func (f *OnboardingFlag) Complete(ctx context.Context) (bool, error) {
	value, found, err := f.store.Get(ctx, onboardingScope, onboardingKey)
	if err != nil || !found {
		return false, err
	}
	done, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, nil
	}
	return done, nil
}

// MarkComplete sets the flag.
func (f *OnboardingFlag) MarkComplete(ctx context.Context) error {
	return f.store.Save(ctx, onboardingScope, onboardingKey, "true")
}

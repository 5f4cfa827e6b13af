package secrets

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
)

const (
	keychainAttempts        = 3
	keychainInitialInterval = 100 * time.Millisecond
	keychainMultiplier      = 2
	keychainProbeUser       = "__probe__"
)

// ErrKeychainNotFound is returned by Keychain implementations for missing entries.
var ErrKeychainNotFound = errors.New("keychain entry not found")

// Keychain is the platform secure storage primitive. It has no enumeration.
type Keychain interface {
	Set(service, user, value string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
}

// OSKeychain returns the operating system keychain (macOS Keychain, Secret Service, Windows Credential Manager).
func OSKeychain() Keychain {
	return osKeychain{}
}

type osKeychain struct{}

func (osKeychain) Set(service, user, value string) error {
	return keyring.Set(service, user, value)
}

func (osKeychain) Get(service, user string) (string, error) {
	value, err := keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrKeychainNotFound
	}
	return value, err
}

func (osKeychain) Delete(service, user string) error {
	err := keyring.Delete(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrKeychainNotFound
	}
	return err
}

type keychainBackend struct {
	keychain        Keychain
	service         string
	initialInterval time.Duration
	logger          zerolog.Logger
}

func newKeychainBackend(keychain Keychain, service string, logger zerolog.Logger) *keychainBackend {
	return &keychainBackend{
		keychain:        keychain,
		service:         service,
		initialInterval: keychainInitialInterval,
		logger:          logger,
	}
}

func (k *keychainBackend) Tier() Tier {
	return TierKeychain
}

// probe checks that the keychain can round-trip an entry. No retries.
func (k *keychainBackend) probe() error {
	if err := k.keychain.Set(k.service, keychainProbeUser, "ok"); err != nil {
		return err
	}
	if _, err := k.keychain.Get(k.service, keychainProbeUser); err != nil {
		return err
	}
	return k.keychain.Delete(k.service, keychainProbeUser)
}

func (k *keychainBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := k.withRetry(ctx, "get", key, func() error {
		var err error
		value, err = k.keychain.Get(k.service, key)
		return err
	})
	if errors.Is(err, ErrKeychainNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (k *keychainBackend) Set(ctx context.Context, key, value string) error {
	return k.withRetry(ctx, "set", key, func() error {
		return k.keychain.Set(k.service, key, value)
	})
}

func (k *keychainBackend) Delete(ctx context.Context, key string) error {
	err := k.withRetry(ctx, "delete", key, func() error {
		return k.keychain.Delete(k.service, key)
	})
	if errors.Is(err, ErrKeychainNotFound) {
		return nil
	}
	return err
}

// Update is a get followed by a set. The OS keychain has no compare-and-swap, so
// callers serialize in-process and cross-process writers are not coordinated.
func (k *keychainBackend) Update(ctx context.Context, key string, fn func(string, bool) (string, error)) error {
	current, found, err := k.Get(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	switch {
	case next == "" && !found, found && next == current:
		return nil
	case next == "":
		return k.Delete(ctx, key)
	default:
		return k.Set(ctx, key, next)
	}
}

// withRetry runs fn with exponential backoff for a bounded number of attempts.
// Missing entries and oversized data are permanent; everything else is treated as transient.
func (k *keychainBackend) withRetry(ctx context.Context, op, key string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = k.initialInterval
	policy.Multiplier = keychainMultiplier
	policy.MaxElapsedTime = 0
	policy.Reset()

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrKeychainNotFound) || errors.Is(err, keyring.ErrSetDataTooBig) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, keychainAttempts-1), ctx), func(err error, wait time.Duration) {
		k.logger.Debug().Err(err).Str("op", op).Str("key", key).Dur("wait", wait).Msg("retrying keychain operation")
	})
	if err == nil || errors.Is(err, ErrKeychainNotFound) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return unavailable("keychain "+op, err)
}

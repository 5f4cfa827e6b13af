package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// fileLock is a cross-process mutex built on exclusive creation of a marker file.
// The marker holds the owner's PID. There is no staleness eviction: a holder that
// dies without releasing leaves the marker until BreakLock is run.
type fileLock struct {
	path     string
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func newFileLock(path string, timeout, interval time.Duration, logger zerolog.Logger) *fileLock {
	return &fileLock{
		path:     path,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
	}
}

// acquire polls at a fixed interval until the marker is created or the timeout elapses.
// It returns errLockTimeout when another holder kept the lock for the whole budget.
func (l *fileLock) acquire(ctx context.Context) (func(), error) {
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = l.interval
	poll.MaxInterval = l.interval
	poll.Multiplier = 1
	poll.RandomizationFactor = 0
	poll.MaxElapsedTime = l.timeout
	poll.Reset()

	err := backoff.Retry(func() error {
		err := l.tryCreate()
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return backoff.Permanent(unavailable("create lock "+l.path, err))
	}, backoff.WithContext(poll, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w after %s (holder pid %s)", errLockTimeout, l.timeout, l.holder())
		}
		return nil, err
	}

	return l.release, nil
}

func (l *fileLock) tryCreate() error {
	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	_, writeErr := file.WriteString(strconv.Itoa(os.Getpid()))
	closeErr := file.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(l.path)
		return err
	}
	return nil
}

// release removes the marker. Failures are logged, never returned.
func (l *fileLock) release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn().Err(err).Str("path", l.path).Msg("failed to release secret file lock")
	}
}

// holder returns the PID recorded in the marker, or "unknown".
func (l *fileLock) holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	pid := strings.TrimSpace(string(data))
	if pid == "" {
		return "unknown"
	}
	return pid
}

// forceRelease deletes the marker regardless of owner.
func (l *fileLock) forceRelease() (string, error) {
	pid := l.holder()
	if err := os.Remove(l.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return pid, err
	}
	return pid, nil
}

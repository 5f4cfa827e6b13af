// Package voice drives the listening loop.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/runner"
	"github.com/jarvis-dash/jarvis-core/internal/services"
	"github.com/rs/zerolog"
)

const Name = "voice"

// Listener processes one slice of audio input per call.
type Listener interface {
	Listen(ctx context.Context) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context) error

func (f ListenerFunc) Listen(ctx context.Context) error {
	return f(ctx)
}

// Idle is used when no audio input is attached.
var Idle Listener = ListenerFunc(func(context.Context) error { return nil })

type Service struct {
	logger   zerolog.Logger
	listener Listener
	health   services.HealthSink
	runner   *runner.Runner

	mu      sync.Mutex
	handle  *runner.Handle
	failing bool
}

// New builds the loop. Extra runner options are applied after the listener step
// is installed, which lets tests inject a ticker.
func New(logger zerolog.Logger, interval time.Duration, listener Listener, sink services.HealthSink, opts ...runner.Option) *Service {
	if listener == nil {
		listener = Idle
	}
	if sink == nil {
		sink = services.NopHealth{}
	}
	s := &Service{
		logger:   logger.With().Str("service", Name).Logger(),
		listener: listener,
		health:   sink,
	}
	runnerOpts := append([]runner.Option{runner.WithRunOnce(s.listenOnce), runner.WithName(Name)}, opts...)
	s.runner = runner.New(s.logger, interval, runnerOpts...)
	return s
}

func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
	// The loop outlives the boot attempt that started it.
	s.handle = s.runner.Go(context.Background())
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()
	return handle.Stop(ctx)
}

func (s *Service) listenOnce(ctx context.Context) error {
	err := s.listener.Listen(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}

	s.mu.Lock()
	wasFailing := s.failing
	s.failing = err != nil
	s.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		s.health.Update(Name, health.StatusDegraded, "listener failed", err)
	case err == nil && wasFailing:
		s.health.Update(Name, health.StatusHealthy, "listener recovered", nil)
	}
	if err != nil {
		return runner.WrapRuntime("listen", err)
	}
	return nil
}

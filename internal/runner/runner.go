// Package runner drives periodic work on a ticker.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving the runner loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Runner calls a single-cycle function immediately and then on every tick.
type Runner struct {
	logger        zerolog.Logger
	pollInterval  time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error
}

// Option customizes runner behavior.
type Option func(*Runner)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(r *Runner) {
		r.tickerFactory = factory
	}
}

// WithName tags every log line of the loop with name.
func WithName(name string) Option {
	return func(r *Runner) {
		r.logger = r.logger.With().Str("loop", name).Logger()
	}
}

// WithRunOnce sets the single-cycle execution step.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(r *Runner) {
		r.runOnce = runOnce
	}
}

// New constructs a Runner with the given logger and poll interval.
func New(logger zerolog.Logger, pollInterval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		logger:       logger,
		pollInterval: pollInterval,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		runOnce: func(context.Context) error { return nil },
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run starts the main loop and blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.pollInterval <= 0 {
		return errors.New("poll interval must be greater than zero")
	}

	ticker := r.tickerFactory(r.pollInterval)
	defer ticker.Stop()

	r.logger.Debug().Dur("interval", r.pollInterval).Msg("runner started")
	cycles := 1
	r.cycle(ctx, cycles)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Int("cycles", cycles).Msg("runner stopped")
			return nil
		case <-ticker.C():
			cycles++
			r.cycle(ctx, cycles)
		}
	}
}

// RunOnce executes a single cycle of the runner.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.runOnce(ctx)
}

// cycle runs one step. Errors never stop the loop; a RuntimeError is only a warning.
func (r *Runner) cycle(ctx context.Context, n int) {
	err := r.RunOnce(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	var runtimeErr *RuntimeError
	if errors.As(err, &runtimeErr) {
		r.logger.Warn().Err(err).Str("op", runtimeErr.Op).Int("cycle", n).Msg("run cycle failed")
		return
	}
	r.logger.Error().Err(err).Int("cycle", n).Msg("run cycle failed")
}

// Handle controls a runner started with Go.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Go runs r in a goroutine until Stop is called or ctx is canceled.
func (r *Runner) Go(ctx context.Context) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = r.Run(runCtx)
	}()
	return h
}

// Stop cancels the runner and waits for it to exit or for ctx to expire.
func (h *Handle) Stop(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.cancel()
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the runner has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

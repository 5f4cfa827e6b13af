// Package boot drives the startup sequence and the phase state the UI renders.
//
// A boot attempt runs configuration validation, a storage self-test, parallel
// auth, entitlement and onboarding checks, permissions and finally service
// startup. Two timers race the attempt so the UI never stays on the splash
// screen: the fallback timer hides the splash and gives up on a still
// authenticating attempt, the safety timer ends the attempt unconditionally.
// Every phase mutation passes a guard that drops updates from settled or
// unmounted attempts.
package boot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jarvis-dash/jarvis-core/internal/auth"
	"github.com/rs/zerolog"
)

const (
	defaultFallbackTimeout = 5 * time.Second
	defaultSafetyTimeout   = 8 * time.Second
)

// Orchestrator is safe for concurrent use. Run may be called again after an attempt settles.
type Orchestrator struct {
	deps     Dependencies
	logger   zerolog.Logger
	fallback time.Duration
	safety   time.Duration

	mu          sync.Mutex
	phase       Phase
	attempt     string
	settled     bool
	unmounted   bool
	cancel      context.CancelFunc
	interrupt   chan outcomeErr
	watchCancel context.CancelFunc
	subs        map[int]chan Phase
	nextSub     int
	unmountedCh chan struct{}
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithFallbackTimeout sets the soft timer.
func WithFallbackTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.fallback = d
		}
	}
}

// WithSafetyTimeout sets the hard timer.
func WithSafetyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.safety = d
		}
	}
}

type outcomeErr struct {
	outcome Outcome
	err     error
}

func New(deps Dependencies, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if deps.Health == nil {
		deps.Health = noopHealth{}
	}
	o := &Orchestrator{
		deps:     deps,
		logger:   logger,
		fallback: defaultFallbackTimeout,
		safety:   defaultSafetyTimeout,
		phase:    Phase{Mounted: true},
		subs:     make(map[int]chan Phase),

		unmountedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.safety < o.fallback {
		o.safety = o.fallback
	}
	return o
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Subscribe returns a channel holding the latest phase. Intermediate phases may be
// skipped by slow readers. The channel is closed on unsubscribe or unmount.
func (o *Orchestrator) Subscribe() (<-chan Phase, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan Phase, 1)
	if o.unmounted {
		ch <- o.phase
		close(ch)
		return ch, func() {}
	}

	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.phase

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if sub, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(sub)
			}
		})
	}
}

// Run executes one boot attempt and returns once it has a terminal outcome.
// The returned phase is the one the UI should render.
func (o *Orchestrator) Run(ctx context.Context) Result {
	started := time.Now()
	attemptID := uuid.NewString()
	logger := o.logger.With().Str("attempt", attemptID).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interrupt := make(chan outcomeErr, 1)
	o.mu.Lock()
	if o.unmounted {
		phase := o.phase
		o.mu.Unlock()
		return Result{AttemptID: attemptID, Outcome: OutcomeCancelled, Phase: phase, StartedAt: started, Err: ErrAborted}
	}
	o.attempt = attemptID
	o.settled = false
	o.cancel = cancel
	o.interrupt = interrupt
	o.phase = Phase{Mounted: true, Authenticating: true}
	o.publishLocked()
	o.mu.Unlock()

	o.watchAuth()
	logger.Info().Dur("fallback", o.fallback).Dur("safety", o.safety).Msg("boot attempt started")

	seqDone := make(chan outcomeErr, 1)
	go func() {
		seqDone <- o.sequence(runCtx, attemptID, logger)
	}()

	fallback := time.NewTimer(o.fallback)
	defer fallback.Stop()
	safety := time.NewTimer(o.safety)
	defer safety.Stop()

	var res outcomeErr
wait:
	for {
		select {
		case res = <-seqDone:
			break wait
		case res = <-interrupt:
			break wait
		case <-fallback.C:
			if o.onFallback(attemptID, logger) {
				res = outcomeErr{outcome: OutcomeTimeout, err: ErrTimedOut}
				break wait
			}
		case <-safety.C:
			if o.onSafety(attemptID, logger) {
				res = outcomeErr{outcome: OutcomeTimeout, err: ErrTimedOut}
				break wait
			}
			// Already settled: the sequence or an auth event is about to deliver.
		case <-o.unmountedCh:
			res = outcomeErr{outcome: OutcomeCancelled, err: ErrAborted}
			break wait
		case <-ctx.Done():
			res = outcomeErr{outcome: OutcomeCancelled, err: ctx.Err()}
			break wait
		}
	}
	cancel()

	o.mu.Lock()
	if o.attempt == attemptID {
		o.settled = true
	}
	phase := o.phase
	o.mu.Unlock()

	result := Result{
		AttemptID: attemptID,
		Outcome:   res.outcome,
		Phase:     phase,
		StartedAt: started,
		Duration:  time.Since(started),
		Err:       res.err,
	}

	event := logger.Info()
	if result.Err != nil {
		event = logger.Warn().Err(result.Err)
	}
	event.Str("outcome", string(result.Outcome)).
		Dur("duration", result.Duration).
		Bool("degraded", phase.Degraded).
		Msg("boot attempt finished")

	if o.deps.Recorder != nil {
		o.deps.Recorder.RecordBoot(result)
	}
	return result
}

// Unmount tears the orchestrator down. In-flight work is cancelled, later phase
// updates are dropped and the teardown services are stopped whether or not boot
// reached ready.
func (o *Orchestrator) Unmount(ctx context.Context) {
	o.mu.Lock()
	if o.unmounted {
		o.mu.Unlock()
		return
	}
	o.unmounted = true
	close(o.unmountedCh)
	o.phase.Mounted = false
	o.publishLocked()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	cancel := o.cancel
	watchCancel := o.watchCancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watchCancel != nil {
		watchCancel()
	}

	if o.deps.Services == nil {
		return
	}
	for _, name := range o.deps.TeardownServices {
		if err := o.deps.Services.StopOne(ctx, name); err != nil {
			o.logger.Warn().Err(err).Str("service", name).Msg("failed to stop service on unmount")
		}
	}
	o.logger.Info().Int("services", len(o.deps.TeardownServices)).Msg("boot orchestrator unmounted")
}

// onFallback hides the splash. An attempt still authenticating is routed to sign-in
// and settled; it reports whether that happened.
func (o *Orchestrator) onFallback(attemptID string, logger zerolog.Logger) bool {
	forced := false
	o.update(attemptID, func(p *Phase) bool {
		p.SplashHidden = true
		if p.Authenticating {
			p.Authenticating = false
			p.ShowingSignIn = true
			p.TimedOut = true
			forced = true
		}
		return forced
	})
	if forced {
		logger.Warn().Dur("after", o.fallback).Msg("fallback timer forced sign-in")
		o.cancelAttempt(attemptID)
	}
	return forced
}

// onSafety forces a visible, non-loading phase. It reports false when the attempt
// had already settled.
func (o *Orchestrator) onSafety(attemptID string, logger zerolog.Logger) bool {
	applied := o.update(attemptID, func(p *Phase) bool {
		p.SplashHidden = true
		p.Authenticating = false
		if !p.Ready {
			p.ShowingSignIn = true
		}
		p.TimedOut = true
		return true
	})
	if !applied {
		return false
	}
	logger.Warn().Dur("after", o.safety).Msg("safety timer forced boot to settle")
	o.cancelAttempt(attemptID)
	return true
}

func (o *Orchestrator) cancelAttempt(attemptID string) {
	o.mu.Lock()
	var cancel context.CancelFunc
	if o.attempt == attemptID {
		cancel = o.cancel
	}
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// update applies mutate when the attempt is current, unsettled and mounted.
// mutate returns true to settle the attempt.
func (o *Orchestrator) update(attemptID string, mutate func(*Phase) bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.liveLocked(attemptID) {
		return false
	}
	if mutate(&o.phase) {
		o.settled = true
	}
	o.publishLocked()
	return true
}

func (o *Orchestrator) live(attemptID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.liveLocked(attemptID)
}

func (o *Orchestrator) liveLocked(attemptID string) bool {
	return !o.unmounted && !o.settled && o.attempt == attemptID
}

func (o *Orchestrator) publishLocked() {
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		ch <- o.phase
	}
}

// watchAuth subscribes to auth events once per orchestrator.
func (o *Orchestrator) watchAuth() {
	if o.deps.AuthEvents == nil {
		return
	}
	o.mu.Lock()
	if o.watchCancel != nil || o.unmounted {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.watchCancel = cancel
	o.mu.Unlock()

	events := o.deps.AuthEvents.Watch(ctx)
	go func() {
		for ev := range events {
			o.onAuthEvent(ev)
		}
	}()
}

// onAuthEvent routes a sign-out to the sign-in phase. An in-flight attempt is settled
// with OutcomeSignIn.
func (o *Orchestrator) onAuthEvent(ev auth.Event) {
	if ev.Authenticated {
		o.logger.Debug().Str("source", ev.Source).Msg("auth event: signed in")
		return
	}

	o.mu.Lock()
	if o.unmounted {
		o.mu.Unlock()
		return
	}
	inFlight := !o.settled && o.attempt != ""
	o.phase.Ready = false
	o.phase.Authenticating = false
	o.phase.SplashHidden = true
	o.phase.ShowingSignIn = true
	o.settled = true
	o.publishLocked()
	cancel := o.cancel
	interrupt := o.interrupt
	o.mu.Unlock()

	o.logger.Info().Str("source", ev.Source).Bool("in_flight", inFlight).Msg("signed out, showing sign-in")
	if inFlight {
		select {
		case interrupt <- outcomeErr{outcome: OutcomeSignIn, err: errors.New("signed out during boot")}:
		default:
		}
		if cancel != nil {
			cancel()
		}
	}
}

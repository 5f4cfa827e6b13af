package boot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/lifecycle"
	"github.com/rs/zerolog"
)

const (
	configurationRecord = "configuration"
	checkPrefix         = "check."

	checkStorage     = "storage"
	checkAuth        = "auth"
	checkEntitlement = "entitlement"
	checkOnboarding  = "onboarding"
	checkPermissions = "permissions"
)

type checkResult struct {
	name string
	ok   bool
	err  error
}

// sequence runs the boot steps. Each step boundary re-checks the guard so a
// settled or unmounted attempt applies nothing further.
func (o *Orchestrator) sequence(ctx context.Context, attemptID string, logger zerolog.Logger) (res outcomeErr) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("boot sequence panic: %v", r)
			logger.Error().Err(err).Msg("boot sequence crashed")
			res = o.finish(attemptID, OutcomeFailed, err, func(p *Phase) {
				p.ShowingSignIn = true
				p.Error = err.Error()
			})
		}
	}()

	if o.deps.ConfigCheck != nil {
		if err := o.deps.ConfigCheck(); err != nil {
			logger.Error().Err(err).Msg("configuration invalid, continuing local-only")
			o.deps.Health.Update(configurationRecord, health.StatusUnhealthy, "configuration invalid", err)
			return o.finish(attemptID, OutcomeFailed, err, func(p *Phase) {
				p.LocalOnly = true
				p.ShowingSignIn = true
				p.Error = err.Error()
			})
		}
		o.deps.Health.Update(configurationRecord, health.StatusHealthy, "valid", nil)
	}
	if !o.live(attemptID) || ctx.Err() != nil {
		return cancelled(ctx)
	}

	storageOK := o.selfTest(ctx, logger)
	if !storageOK {
		o.update(attemptID, func(p *Phase) bool {
			p.Degraded = true
			return false
		})
	}
	if !o.live(attemptID) || ctx.Err() != nil {
		return cancelled(ctx)
	}

	results := o.runChecks(ctx, logger)
	if !o.live(attemptID) || ctx.Err() != nil {
		return cancelled(ctx)
	}
	if !results[checkAuth].ok || !results[checkEntitlement].ok {
		logger.Info().
			Bool("authenticated", results[checkAuth].ok).
			Bool("entitled", results[checkEntitlement].ok).
			Msg("sign-in required")
		return o.finish(attemptID, OutcomeSignIn, nil, func(p *Phase) {
			p.ShowingSignIn = true
		})
	}
	if !results[checkOnboarding].ok {
		logger.Info().Msg("onboarding incomplete, redirecting")
		return o.finish(attemptID, OutcomeOnboarding, nil, func(p *Phase) {
			p.OnboardingRedirect = true
		})
	}

	o.update(attemptID, func(p *Phase) bool {
		p.Authenticating = false
		return false
	})

	if o.deps.Permissions != nil {
		err := safeCall(func() error { return o.deps.Permissions.RequestPermissions(ctx) })
		if err != nil {
			logger.Warn().Err(err).Msg("permission request failed")
			o.deps.Health.Update(checkPrefix+checkPermissions, health.StatusDegraded, "permissions not granted", err)
		} else {
			o.deps.Health.Update(checkPrefix+checkPermissions, health.StatusHealthy, "granted", nil)
		}
	}
	if !o.live(attemptID) || ctx.Err() != nil {
		return cancelled(ctx)
	}

	if o.deps.Services == nil {
		err := errors.New("no service manager configured")
		return o.finish(attemptID, OutcomeFailed, err, func(p *Phase) {
			p.ShowingSignIn = true
			p.Error = err.Error()
		})
	}
	if err := o.deps.Services.StartAll(ctx); err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		logger.Error().Err(err).Msg("required services failed to start")
		return o.finish(attemptID, OutcomeFailed, err, func(p *Phase) {
			p.ShowingSignIn = true
			p.Error = err.Error()
		})
	}

	degraded := !storageOK || anyDegraded(o.deps.Services.Statuses())
	outcome := OutcomeReady
	if degraded {
		outcome = OutcomeDegraded
	}
	return o.finish(attemptID, outcome, nil, func(p *Phase) {
		p.Ready = true
		p.Degraded = degraded
	})
}

// finish settles the attempt with a terminal phase. The splash is always hidden.
func (o *Orchestrator) finish(attemptID string, outcome Outcome, err error, mutate func(*Phase)) outcomeErr {
	o.update(attemptID, func(p *Phase) bool {
		p.Authenticating = false
		p.SplashHidden = true
		mutate(p)
		return true
	})
	return outcomeErr{outcome: outcome, err: err}
}

func cancelled(ctx context.Context) outcomeErr {
	if err := ctx.Err(); err != nil {
		return outcomeErr{outcome: OutcomeCancelled, err: err}
	}
	return outcomeErr{outcome: OutcomeCancelled, err: ErrAborted}
}

func (o *Orchestrator) selfTest(ctx context.Context, logger zerolog.Logger) bool {
	if o.deps.Store == nil {
		return true
	}
	var ok bool
	err := safeCall(func() error {
		ok = o.deps.Store.SelfTest(ctx)
		return nil
	})
	if err != nil || !ok {
		logger.Warn().Err(err).Msg("storage self-test failed, continuing degraded")
		o.deps.Health.Update(checkPrefix+checkStorage, health.StatusDegraded, "self-test failed", err)
		return false
	}
	o.deps.Health.Update(checkPrefix+checkStorage, health.StatusHealthy, "self-test passed", nil)
	return true
}

// runChecks fans the auth, entitlement and onboarding checks out and joins them.
// A failing or panicking check counts as not satisfied and never affects the others.
func (o *Orchestrator) runChecks(ctx context.Context, logger zerolog.Logger) map[string]checkResult {
	checks := map[string]func(context.Context) (bool, error){
		checkAuth: func(ctx context.Context) (bool, error) {
			if o.deps.Profiles == nil {
				return true, nil
			}
			profile, err := o.deps.Profiles.Profile(ctx)
			return profile.Authenticated, err
		},
		checkEntitlement: func(ctx context.Context) (bool, error) {
			if o.deps.Profiles == nil {
				return true, nil
			}
			profile, err := o.deps.Profiles.Profile(ctx)
			return profile.Authenticated && profile.EntitlementsValid, err
		},
		checkOnboarding: func(ctx context.Context) (bool, error) {
			if o.deps.Onboarding == nil {
				return true, nil
			}
			return o.deps.Onboarding.Complete(ctx)
		},
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]checkResult, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check func(context.Context) (bool, error)) {
			defer wg.Done()
			result := runCheck(ctx, name, check)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	for name, result := range results {
		record := checkPrefix + name
		switch {
		case result.err != nil:
			logger.Warn().Err(result.err).Str("check", name).Msg("boot check failed")
			o.deps.Health.Update(record, health.StatusDegraded, "check failed", result.err)
		case !result.ok:
			o.deps.Health.Update(record, health.StatusDegraded, "not satisfied", nil)
		default:
			o.deps.Health.Update(record, health.StatusHealthy, "passed", nil)
		}
	}
	return results
}

func runCheck(ctx context.Context, name string, check func(context.Context) (bool, error)) (result checkResult) {
	result.name = name
	defer func() {
		if r := recover(); r != nil {
			result.ok = false
			result.err = fmt.Errorf("check %s panicked: %v", name, r)
		}
	}()
	ok, err := check(ctx)
	result.ok = ok && err == nil
	result.err = err
	return result
}

func anyDegraded(statuses []lifecycle.Status) bool {
	for _, status := range statuses {
		if status.State == lifecycle.StateDegraded {
			return true
		}
	}
	return false
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

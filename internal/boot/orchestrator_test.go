package boot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/auth"
	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/lifecycle"
	"github.com/rs/zerolog"
)

type fakeProfiles struct {
	profile auth.Profile
	err     error
	panics  bool
	block   chan struct{}
}

func (f *fakeProfiles) Profile(ctx context.Context) (auth.Profile, error) {
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("profile backend exploded")
	}
	return f.profile, f.err
}

type fakeOnboarding struct {
	complete bool
	err      error
}

func (f fakeOnboarding) Complete(context.Context) (bool, error) {
	return f.complete, f.err
}

type fakeStore struct {
	ok bool
}

func (f fakeStore) SelfTest(context.Context) bool {
	return f.ok
}

type fakePermissions struct {
	err error
}

func (f fakePermissions) RequestPermissions(context.Context) error {
	return f.err
}

type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) RecordBoot(result Result) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

type fixture struct {
	deps     Dependencies
	manager  *lifecycle.Manager
	agg      *health.Aggregator
	recorder *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	agg := health.NewAggregator()
	manager := lifecycle.New(zerolog.Nop(), lifecycle.WithHealthSink(agg))
	rec := &recorder{}
	f := &fixture{
		manager:  manager,
		agg:      agg,
		recorder: rec,
		deps: Dependencies{
			ConfigCheck: func() error { return nil },
			Store:       fakeStore{ok: true},
			Profiles:    &fakeProfiles{profile: auth.Profile{Authenticated: true, EntitlementsValid: true}},
			Onboarding:  fakeOnboarding{complete: true},
			Permissions: fakePermissions{},
			Services:    manager,
			Health:      agg,
			Recorder:    rec,
		},
	}
	f.register(t, lifecycle.Descriptor{Name: "secure-store", Required: true, Service: lifecycle.Funcs{}})
	return f
}

func (f *fixture) register(t *testing.T, desc lifecycle.Descriptor) {
	t.Helper()
	if err := f.manager.Register(desc); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	return New(f.deps, zerolog.Nop(), opts...)
}

func TestRun_HappyPathReachesReady(t *testing.T) {
	f := newFixture(t)
	f.register(t, lifecycle.Descriptor{Name: "voice", Dependencies: []string{"secure-store"}, Service: lifecycle.Funcs{}})
	o := f.orchestrator()

	result := o.Run(context.Background())
	if result.Outcome != OutcomeReady || result.Err != nil {
		t.Fatalf("unexpected result: %+v", result)
	}
	phase := result.Phase
	if !phase.Ready || !phase.SplashHidden || phase.Authenticating || phase.ShowingSignIn || phase.Degraded || phase.TimedOut {
		t.Fatalf("unexpected phase: %+v", phase)
	}
	if result.AttemptID == "" {
		t.Fatalf("expected attempt id")
	}
	if f.recorder.count() != 1 {
		t.Fatalf("expected one recorded boot, got %d", f.recorder.count())
	}
	for _, name := range []string{"check.auth", "check.entitlement", "check.onboarding", "check.storage", "configuration"} {
		record, ok := f.agg.Get(name)
		if !ok || record.Status != health.StatusHealthy {
			t.Fatalf("expected healthy %s record, got %+v", name, record)
		}
	}
	if status, _ := f.manager.Status("voice"); status.State != lifecycle.StateRunning {
		t.Fatalf("expected voice running, got %s", status.State)
	}
}

func TestRun_CheckBranches(t *testing.T) {
	cases := []struct {
		name       string
		profiles   *fakeProfiles
		onboarding fakeOnboarding
		want       Outcome
		check      func(t *testing.T, p Phase)
	}{
		{
			name:       "not authenticated",
			profiles:   &fakeProfiles{},
			onboarding: fakeOnboarding{complete: true},
			want:       OutcomeSignIn,
			check: func(t *testing.T, p Phase) {
				if !p.ShowingSignIn || p.Ready || p.Authenticating || !p.SplashHidden {
					t.Fatalf("unexpected phase: %+v", p)
				}
			},
		},
		{
			name:       "entitlements invalid",
			profiles:   &fakeProfiles{profile: auth.Profile{Authenticated: true}},
			onboarding: fakeOnboarding{complete: true},
			want:       OutcomeSignIn,
		},
		{
			name:       "profile error is isolated",
			profiles:   &fakeProfiles{err: errors.New("network down")},
			onboarding: fakeOnboarding{complete: true},
			want:       OutcomeSignIn,
		},
		{
			name:       "profile panic is isolated",
			profiles:   &fakeProfiles{panics: true},
			onboarding: fakeOnboarding{complete: true},
			want:       OutcomeSignIn,
		},
		{
			name:       "onboarding incomplete",
			profiles:   &fakeProfiles{profile: auth.Profile{Authenticated: true, EntitlementsValid: true}},
			onboarding: fakeOnboarding{},
			want:       OutcomeOnboarding,
			check: func(t *testing.T, p Phase) {
				if !p.OnboardingRedirect || p.Ready || p.ShowingSignIn {
					t.Fatalf("unexpected phase: %+v", p)
				}
			},
		},
		{
			name:       "onboarding error redirects",
			profiles:   &fakeProfiles{profile: auth.Profile{Authenticated: true, EntitlementsValid: true}},
			onboarding: fakeOnboarding{err: errors.New("store down")},
			want:       OutcomeOnboarding,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			started := false
			f.register(t, lifecycle.Descriptor{Name: "voice", Service: lifecycle.Funcs{StartFunc: func(context.Context) error {
				started = true
				return nil
			}}})
			f.deps.Profiles = tc.profiles
			f.deps.Onboarding = tc.onboarding

			result := f.orchestrator().Run(context.Background())
			if result.Outcome != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, result)
			}
			if tc.check != nil {
				tc.check(t, result.Phase)
			}
			if started {
				t.Fatalf("services must not start when a check routes away from ready")
			}
		})
	}

	t.Run("check error recorded in health", func(t *testing.T) {
		f := newFixture(t)
		f.deps.Profiles = &fakeProfiles{err: errors.New("network down")}
		f.orchestrator().Run(context.Background())
		record, _ := f.agg.Get("check.auth")
		if record.Status != health.StatusDegraded || record.Error != "network down" {
			t.Fatalf("unexpected check record: %+v", record)
		}
	})
}

func TestRun_ConfigurationErrorIsLocalOnly(t *testing.T) {
	f := newFixture(t)
	f.deps.ConfigCheck = func() error { return errors.New("JARVIS_AUTH_URL is required") }

	result := f.orchestrator().Run(context.Background())
	if result.Outcome != OutcomeFailed || result.Err == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !result.Phase.LocalOnly || !result.Phase.ShowingSignIn || result.Phase.Error == "" {
		t.Fatalf("unexpected phase: %+v", result.Phase)
	}
	if record, _ := f.agg.Get("configuration"); record.Status != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy configuration record, got %+v", record)
	}
}

func TestRun_DegradedOutcomes(t *testing.T) {
	t.Run("storage self-test failure", func(t *testing.T) {
		f := newFixture(t)
		f.deps.Store = fakeStore{ok: false}
		result := f.orchestrator().Run(context.Background())
		if result.Outcome != OutcomeDegraded || !result.Phase.Ready || !result.Phase.Degraded {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("optional service failure", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, lifecycle.Descriptor{Name: "realtime", Service: lifecycle.Funcs{StartFunc: func(context.Context) error {
			return errors.New("dial failed")
		}}})
		result := f.orchestrator().Run(context.Background())
		if result.Outcome != OutcomeDegraded || !result.Phase.Degraded {
			t.Fatalf("unexpected result: %+v", result)
		}
	})

	t.Run("permission failure is logged only", func(t *testing.T) {
		f := newFixture(t)
		f.deps.Permissions = fakePermissions{err: errors.New("denied")}
		result := f.orchestrator().Run(context.Background())
		if result.Outcome != OutcomeReady {
			t.Fatalf("unexpected result: %+v", result)
		}
		if record, _ := f.agg.Get("check.permissions"); record.Status != health.StatusDegraded {
			t.Fatalf("expected degraded permissions record, got %+v", record)
		}
	})
}

func TestRun_RequiredServiceFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, lifecycle.Descriptor{Name: "core", Required: true, Service: lifecycle.Funcs{StartFunc: func(context.Context) error {
		return errors.New("cannot start")
	}}})

	result := f.orchestrator().Run(context.Background())
	if result.Outcome != OutcomeFailed {
		t.Fatalf("unexpected outcome: %+v", result)
	}
	var startErr *lifecycle.ServiceStartError
	if !errors.As(result.Err, &startErr) || startErr.Service != "core" {
		t.Fatalf("expected service start error, got %v", result.Err)
	}
	if !result.Phase.ShowingSignIn || result.Phase.Ready || result.Phase.Error == "" {
		t.Fatalf("unexpected phase: %+v", result.Phase)
	}
}

func TestRun_HungChecksReachSignInWithinSafetyTimeout(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.deps.Profiles = &fakeProfiles{
		profile: auth.Profile{Authenticated: true, EntitlementsValid: true},
		block:   release,
	}
	o := f.orchestrator(WithFallbackTimeout(50*time.Millisecond), WithSafetyTimeout(100*time.Millisecond))

	start := time.Now()
	result := o.Run(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("boot took %s despite safety timeout", elapsed)
	}
	if result.Outcome != OutcomeTimeout || !errors.Is(result.Err, ErrTimedOut) {
		t.Fatalf("unexpected result: %+v", result)
	}
	phase := result.Phase
	if !phase.ShowingSignIn || !phase.SplashHidden || phase.Authenticating || !phase.TimedOut {
		t.Fatalf("expected forced sign-in, got %+v", phase)
	}
}

func TestRun_LateResultsAreDropped(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.deps.Profiles = &fakeProfiles{
		profile: auth.Profile{Authenticated: true, EntitlementsValid: true},
		block:   release,
	}
	o := f.orchestrator(WithFallbackTimeout(20*time.Millisecond), WithSafetyTimeout(40*time.Millisecond))

	result := o.Run(context.Background())
	if result.Outcome != OutcomeTimeout {
		t.Fatalf("unexpected outcome: %s", result.Outcome)
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	phase := o.Phase()
	if phase.Ready || !phase.ShowingSignIn {
		t.Fatalf("late check results must not change the phase: %+v", phase)
	}
	if status, _ := f.manager.Status("secure-store"); status.State != lifecycle.StatePending {
		t.Fatalf("services must not start after the attempt settled, got %s", status.State)
	}
}

func TestRun_SlowServicesSurviveFallbackTimer(t *testing.T) {
	f := newFixture(t)
	f.register(t, lifecycle.Descriptor{Name: "realtime", Service: lifecycle.Funcs{StartFunc: func(ctx context.Context) error {
		select {
		case <-time.After(80 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}})
	o := f.orchestrator(WithFallbackTimeout(20*time.Millisecond), WithSafetyTimeout(2*time.Second))

	result := o.Run(context.Background())
	if result.Outcome != OutcomeReady {
		t.Fatalf("expected ready, got %+v", result)
	}
	if result.Phase.TimedOut || result.Phase.ShowingSignIn || !result.Phase.SplashHidden {
		t.Fatalf("unexpected phase: %+v", result.Phase)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.deps.Profiles = &fakeProfiles{block: release}
	o := f.orchestrator(WithFallbackTimeout(5*time.Second), WithSafetyTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	result := o.Run(ctx)
	if result.Outcome != OutcomeCancelled || !errors.Is(result.Err, context.DeadlineExceeded) {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUnmount_StopsTeardownServicesAndSuppressesUpdates(t *testing.T) {
	f := newFixture(t)
	f.register(t, lifecycle.Descriptor{Name: "voice", Service: lifecycle.Funcs{}})
	f.register(t, lifecycle.Descriptor{Name: "scheduler", Service: lifecycle.Funcs{}})
	f.deps.TeardownServices = []string{"voice", "scheduler", "never-registered"}
	o := f.orchestrator()

	phases, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if result := o.Run(context.Background()); result.Outcome != OutcomeReady {
		t.Fatalf("unexpected result: %+v", result)
	}

	o.Unmount(context.Background())
	for _, name := range []string{"voice", "scheduler"} {
		if status, _ := f.manager.Status(name); status.State != lifecycle.StateStopped {
			t.Fatalf("expected %s stopped, got %s", name, status.State)
		}
	}
	if status, _ := f.manager.Status("secure-store"); status.State != lifecycle.StateRunning {
		t.Fatalf("required services are not teardown services, got %s", status.State)
	}
	if o.Phase().Mounted {
		t.Fatalf("expected unmounted phase")
	}

	waitClosed(t, phases)

	again := o.Run(context.Background())
	if again.Outcome != OutcomeCancelled || !errors.Is(again.Err, ErrAborted) {
		t.Fatalf("run after unmount must abort, got %+v", again)
	}
	o.Unmount(context.Background())
}

func TestUnmount_DuringHungBoot(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.deps.Profiles = &fakeProfiles{
		profile: auth.Profile{Authenticated: true, EntitlementsValid: true},
		block:   release,
	}
	o := f.orchestrator(WithFallbackTimeout(5*time.Second), WithSafetyTimeout(5*time.Second))

	done := make(chan Result, 1)
	go func() {
		done <- o.Run(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	o.Unmount(context.Background())

	select {
	case result := <-done:
		if result.Outcome != OutcomeCancelled || !errors.Is(result.Err, ErrAborted) {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after unmount")
	}

	close(release)
	time.Sleep(30 * time.Millisecond)
	phase := o.Phase()
	if phase.Ready || phase.Mounted {
		t.Fatalf("no updates may land after unmount: %+v", phase)
	}
}

func TestAuthEvents_SignOutShowsSignIn(t *testing.T) {
	f := newFixture(t)
	broadcaster := auth.NewBroadcaster(zerolog.Nop())
	f.deps.AuthEvents = broadcaster
	o := f.orchestrator()
	defer o.Unmount(context.Background())

	if result := o.Run(context.Background()); result.Outcome != OutcomeReady {
		t.Fatalf("unexpected result: %+v", result)
	}

	broadcaster.Publish(auth.Event{Authenticated: false, Source: "realtime"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		phase := o.Phase()
		if phase.ShowingSignIn && !phase.Ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected sign-in after sign-out, got %+v", o.Phase())
}

func TestAuthEvents_SignOutDuringBootSettlesAttempt(t *testing.T) {
	f := newFixture(t)
	broadcaster := auth.NewBroadcaster(zerolog.Nop())
	release := make(chan struct{})
	defer close(release)
	f.deps.AuthEvents = broadcaster
	f.deps.Profiles = &fakeProfiles{block: release}
	o := f.orchestrator(WithFallbackTimeout(5*time.Second), WithSafetyTimeout(5*time.Second))
	defer o.Unmount(context.Background())

	done := make(chan Result, 1)
	go func() {
		done <- o.Run(context.Background())
	}()

	deadline := time.Now().Add(time.Second)
	for broadcaster.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	broadcaster.Publish(auth.Event{Authenticated: false, Source: "test"})

	select {
	case result := <-done:
		if result.Outcome != OutcomeSignIn || !result.Phase.ShowingSignIn {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not settle after sign-out")
	}
}

func TestSubscribe_DeliversCurrentPhase(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()

	phases, unsubscribe := o.Subscribe()
	select {
	case phase := <-phases:
		if !phase.Mounted || phase.Ready {
			t.Fatalf("unexpected initial phase: %+v", phase)
		}
	default:
		t.Fatalf("expected current phase on subscribe")
	}

	o.Run(context.Background())
	select {
	case phase := <-phases:
		if !phase.Ready {
			t.Fatalf("expected latest phase to be ready, got %+v", phase)
		}
	case <-time.After(time.Second):
		t.Fatalf("no phase update received")
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-phases; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
}

func waitClosed(t *testing.T, phases <-chan Phase) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-phases:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription not closed on unmount")
		}
	}
}

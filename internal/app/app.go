// Package app builds every boot-core collaborator once and wires them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/auth"
	"github.com/jarvis-dash/jarvis-core/internal/boot"
	"github.com/jarvis-dash/jarvis-core/internal/config"
	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/healthcheck"
	"github.com/jarvis-dash/jarvis-core/internal/lifecycle"
	"github.com/jarvis-dash/jarvis-core/internal/metrics"
	"github.com/jarvis-dash/jarvis-core/internal/notify"
	"github.com/jarvis-dash/jarvis-core/internal/secrets"
	"github.com/jarvis-dash/jarvis-core/internal/server"
	"github.com/jarvis-dash/jarvis-core/internal/services/monitor"
	"github.com/jarvis-dash/jarvis-core/internal/services/realtime"
	"github.com/jarvis-dash/jarvis-core/internal/services/scheduler"
	"github.com/jarvis-dash/jarvis-core/internal/services/securestore"
	"github.com/jarvis-dash/jarvis-core/internal/services/voice"
	"github.com/jarvis-dash/jarvis-core/internal/state"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// App holds the process-wide instances. Fields are exported for the CLI.
type App struct {
	Config   config.Config
	Manifest config.Manifest

	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Tracker    *healthcheck.Tracker
	Health     *health.Aggregator
	Secrets    *secrets.Store
	Services   *lifecycle.Manager
	Events     *auth.Broadcaster
	Onboarding *auth.OnboardingFlag
	Profiles   *auth.Client
	State      *state.FileStore
	Notifier   notify.Notifier
	Boot       *boot.Orchestrator
}

type options struct {
	keychain    secrets.Keychain
	listener    voice.Listener
	permissions boot.PermissionRequester
}

// Option customizes the composition.
type Option func(*options)

// WithKeychain replaces the OS keychain, mainly for tests.
func WithKeychain(k secrets.Keychain) Option {
	return func(o *options) {
		o.keychain = k
	}
}

// WithListener attaches an audio listener to the voice service.
func WithListener(l voice.Listener) Option {
	return func(o *options) {
		o.listener = l
	}
}

// WithPermissions sets the permission prompt run during boot.
func WithPermissions(p boot.PermissionRequester) Option {
	return func(o *options) {
		o.permissions = p
	}
}

// New builds the application. Only a broken manifest or notifier template is fatal;
// backend settings are checked by the boot sequence instead.
func New(cfg config.Config, manifest config.Manifest, logger zerolog.Logger, opts ...Option) (*App, error) {
	o := options{keychain: secrets.OSKeychain(), listener: voice.Idle}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config:   cfg,
		Manifest: manifest,
		Logger:   logger,
		Metrics:  metrics.New(),
		Tracker:  healthcheck.NewTracker(),
		Health:   health.NewAggregator(),
		Events:   auth.NewBroadcaster(logger.With().Str("component", "auth_events").Logger()),
		State:    state.NewFileStore(cfg.StateFile(), logger.With().Str("component", "state").Logger()),
	}

	a.Secrets = OpenSecrets(cfg, logger, a.Metrics, o.keychain)
	a.Onboarding = auth.NewOnboardingFlag(a.Secrets)

	if cfg.AuthURL != "" {
		client, err := auth.NewClient(logger.With().Str("component", "auth").Logger(), cfg.AuthURL, a.Secrets, cfg.AuthTimeout)
		if err != nil {
			return nil, fmt.Errorf("auth client: %w", err)
		}
		a.Profiles = client
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Notifier = notifier

	a.Services = lifecycle.New(logger.With().Str("component", "lifecycle").Logger(),
		lifecycle.WithHealthSink(a.Health),
		lifecycle.WithObserver(a.Metrics.ObserveServiceState),
	)
	teardown, err := a.registerServices(o.listener)
	if err != nil {
		return nil, err
	}

	deps := boot.Dependencies{
		ConfigCheck:      func() error { return config.Check(cfg) },
		Store:            a.Secrets,
		Onboarding:       a.Onboarding,
		Services:         a.Services,
		Health:           a.Health,
		Recorder:         &recorder{app: a},
		AuthEvents:       a.Events,
		TeardownServices: teardown,
	}
	if a.Profiles != nil {
		deps.Profiles = a.Profiles
	}
	if o.permissions != nil {
		deps.Permissions = o.permissions
	}
	a.Boot = boot.New(deps, logger.With().Str("component", "boot").Logger(),
		boot.WithFallbackTimeout(cfg.FallbackTimeout),
		boot.WithSafetyTimeout(cfg.SafetyTimeout),
	)
	return a, nil
}

// OpenSecrets opens the secure store with the configured backend.
func OpenSecrets(cfg config.Config, logger zerolog.Logger, observer secrets.Observer, keychain secrets.Keychain) *secrets.Store {
	return secrets.Open(secrets.Options{
		Backend:          cfg.SecretsBackend,
		DataDir:          cfg.DataDir,
		KeychainService:  cfg.KeychainService,
		MaxValueBytes:    cfg.SecretMaxBytes,
		LockTimeout:      cfg.LockTimeout,
		LockPollInterval: cfg.LockPollInterval,
		Keychain:         keychain,
		Observer:         observer,
	}, logger.With().Str("component", "secrets").Logger())
}

// registerServices registers the manifest entries and returns the names stopped on unmount.
func (a *App) registerServices(listener voice.Listener) ([]string, error) {
	factories := map[string]func() lifecycle.Service{
		securestore.Name: func() lifecycle.Service {
			return securestore.New(a.Logger, a.Secrets)
		},
		realtime.Name: func() lifecycle.Service {
			return realtime.New(a.Logger, a.Config.RealtimeURL, a.Events, a.Health, realtime.WithTokens(a.Secrets))
		},
		voice.Name: func() lifecycle.Service {
			return voice.New(a.Logger, a.Config.VoiceInterval, listener, a.Health)
		},
		scheduler.Name: func() lifecycle.Service {
			return scheduler.New(a.Logger, a.Config.SelfTestSchedule, a.Secrets, a.Health)
		},
		monitor.Name: func() lifecycle.Service {
			return monitor.New(a.Logger, monitor.Config{
				Reporter: a.Health,
				Store:    a.State,
				Notifier: a.Notifier,
				Metrics:  a.Metrics,
				Cycles:   a.Tracker,
				Source:   a.Config.InstanceName,
				Interval: a.Config.MonitorInterval,
			})
		},
	}

	var teardown []string
	for _, spec := range a.Manifest.Services {
		factory, ok := factories[spec.Name]
		if !ok {
			return nil, fmt.Errorf("services file: unknown service %q", spec.Name)
		}
		err := a.Services.Register(lifecycle.Descriptor{
			Name:         spec.Name,
			Dependencies: spec.Dependencies,
			Required:     spec.Required,
			Service:      factory(),
		})
		if err != nil {
			return nil, err
		}
		if !spec.Required {
			teardown = append(teardown, spec.Name)
		}
	}
	return teardown, nil
}

func buildNotifier(cfg config.Config, logger zerolog.Logger) (notify.Notifier, error) {
	logger = logger.With().Str("component", "notify").Logger()

	notifiers := []notify.Notifier{notify.NewSlackNotifier(logger, cfg.SlackWebhookURL)}
	webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
	if err != nil {
		return nil, err
	}
	if webhook != nil {
		notifiers = append(notifiers, webhook)
	}

	var notifier notify.Notifier = notify.NewMultiNotifier(notifiers...)
	if cfg.NotifyDryRun {
		notifier = notify.NewDryRunNotifier(logger, notifier)
	}
	return notifier, nil
}

// Run serves the HTTP endpoints, boots once and keeps the services running until
// ctx is canceled. Shutdown unmounts the orchestrator and stops everything else.
func (a *App) Run(ctx context.Context) error {
	server.Start(ctx, a.Logger, server.Routes{
		Reporter:        a.Health,
		Tracker:         a.Tracker,
		Metrics:         a.Metrics,
		MonitorInterval: a.Config.MonitorInterval,
	}, a.Config.HealthPort, a.Config.MetricsPort)

	go a.watchSignOut(ctx)

	result := a.Boot.Run(ctx)
	if result.Outcome == boot.OutcomeCancelled {
		return a.Shutdown()
	}
	a.Logger.Info().
		Str("outcome", string(result.Outcome)).
		Bool("sign_in", result.Phase.ShowingSignIn).
		Bool("onboarding", result.Phase.OnboardingRedirect).
		Bool("local_only", result.Phase.LocalOnly).
		Msg("jarvis running; waiting for shutdown")

	<-ctx.Done()
	return a.Shutdown()
}

// Shutdown unmounts the orchestrator, stopping the optional services, then stops
// whatever is left in reverse start order.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Boot.Unmount(ctx)
	err := a.Services.StopAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Warn().Err(err).Msg("services stopped with errors")
		return err
	}
	a.Logger.Info().Msg("jarvis stopped")
	return nil
}

func (a *App) watchSignOut(ctx context.Context) {
	for ev := range a.Events.Watch(ctx) {
		if !ev.Authenticated {
			a.Tracker.SetReady(false)
		}
	}
}

// recorder fans a finished boot attempt out to metrics, readiness and the state file.
type recorder struct {
	app *App
}

func (r *recorder) RecordBoot(result boot.Result) {
	a := r.app
	a.Metrics.ObserveBoot(string(result.Outcome), result.Duration)
	a.Tracker.RecordBoot(result.AttemptID, string(result.Outcome), result.Duration, result.Outcome.Reached())

	record := state.BootRecord{
		AttemptID:           result.AttemptID,
		Outcome:             string(result.Outcome),
		StartedAt:           result.StartedAt.UTC(),
		DurationMillis:      result.Duration.Milliseconds(),
		ManifestFingerprint: a.Manifest.Fingerprint,
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
	}
	for _, status := range a.Services.Statuses() {
		record.Services = append(record.Services, state.ServiceRecord{
			Name:      status.Name,
			Required:  status.Required,
			State:     string(status.State),
			LastError: status.LastError,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.State.Update(ctx, func(st *state.State) error {
		if prev := st.LastBoot; prev != nil && prev.ManifestFingerprint != record.ManifestFingerprint {
			a.Logger.Warn().
				Str("previous_fingerprint", prev.ManifestFingerprint).
				Str("fingerprint", record.ManifestFingerprint).
				Str("previous_attempt_id", prev.AttemptID).
				Msg("services manifest changed since last boot")
		}
		st.LastBoot = &record
		st.BootCount++
		return nil
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("failed to persist boot record")
	}
}

// Package monitor polls the health report, persists the last notified records and
// sends alerts when a record changes status.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/metrics"
	"github.com/jarvis-dash/jarvis-core/internal/notify"
	"github.com/jarvis-dash/jarvis-core/internal/runner"
	"github.com/jarvis-dash/jarvis-core/internal/state"
	"github.com/jarvis-dash/jarvis-core/internal/transition"
	"github.com/rs/zerolog"
)

const Name = "monitor"

// Reporter produces the aggregated health report.
type Reporter interface {
	Report() health.Report
}

// CycleRecorder observes completed cycles.
type CycleRecorder interface {
	RecordCycle(duration time.Duration, recordsEvaluated int)
}

type Service struct {
	logger   zerolog.Logger
	reporter Reporter
	store    state.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cycles   CycleRecorder
	source   string
	runner   *runner.Runner

	mu     sync.Mutex
	handle *runner.Handle
}

// Config collects the monitor's collaborators. Notifier, Metrics and Cycles may be nil.
type Config struct {
	Reporter Reporter
	Store    state.Store
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Cycles   CycleRecorder
	// Source labels notifications, usually the instance name.
	Source   string
	Interval time.Duration
}

func New(logger zerolog.Logger, cfg Config, opts ...runner.Option) *Service {
	logger = logger.With().Str("service", Name).Logger()
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewNoop(logger, "")
	}
	s := &Service{
		logger:   logger,
		reporter: cfg.Reporter,
		store:    cfg.Store,
		notifier: notifier,
		metrics:  cfg.Metrics,
		cycles:   cfg.Cycles,
		source:   cfg.Source,
	}
	runnerOpts := append([]runner.Option{runner.WithRunOnce(s.RunOnce), runner.WithName(Name)}, opts...)
	s.runner = runner.New(logger, cfg.Interval, runnerOpts...)
	return s
}

func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
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

// RunOnce evaluates one health report. Records are only marked as notified once
// delivery succeeds, so a failed notification is retried on the next cycle.
func (s *Service) RunOnce(ctx context.Context) error {
	start := time.Now()
	report := s.reporter.Report()
	s.metrics.SetHealthOverall(report.OverallStatus)

	current, err := s.store.Load(ctx)
	if err != nil {
		return runner.WrapRuntime("load state", err)
	}

	transitions := transition.Detect(current.Health, report)
	if len(transitions) > 0 {
		s.logTransitions(transitions)
		if err := s.notifier.Notify(ctx, s.source, transitions); err != nil {
			return runner.WrapRuntime("notify", err)
		}
		for _, change := range transitions {
			s.metrics.IncNotificationsTotal(severity(change))
		}
	}

	err = s.store.Update(ctx, func(st *state.State) error {
		st.Health = make(map[string]health.Record, len(report.Services))
		for _, record := range report.Services {
			st.Health[record.Name] = record
		}
		return nil
	})
	if err != nil {
		return runner.WrapRuntime("save state", err)
	}

	duration := time.Since(start)
	s.metrics.ObserveCycleDuration(duration)
	s.metrics.SetLastSuccessfulCycleTimestamp(time.Now())
	if s.cycles != nil {
		s.cycles.RecordCycle(duration, len(report.Services))
	}
	s.logger.Debug().
		Str("overall", string(report.OverallStatus)).
		Int("records", len(report.Services)).
		Int("transitions", len(transitions)).
		Dur("duration", duration).
		Msg("monitor cycle complete")
	return nil
}

func (s *Service) logTransitions(transitions []transition.Transition) {
	for _, change := range transitions {
		event := s.logger.Info()
		if change.Escalation() {
			event = s.logger.Warn()
		}
		event.
			Str("record", change.Name).
			Str("previous", string(change.Previous)).
			Str("current", string(change.Current)).
			Str("message", change.Message).
			Msg("health transition")
	}
}

func severity(change transition.Transition) string {
	if change.Escalation() {
		return "escalation"
	}
	return "recovery"
}

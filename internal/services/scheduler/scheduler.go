// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/secrets"
	"github.com/jarvis-dash/jarvis-core/internal/services"
	"github.com/jarvis-dash/jarvis-core/internal/services/securestore"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	Name = "scheduler"

	jobTimeout = 30 * time.Second
)

// Service re-runs the secure store self-test on a schedule and reports the result
// under the secure-store health record.
type Service struct {
	logger   zerolog.Logger
	schedule string
	store    securestore.Store
	health   services.HealthSink

	mu   sync.Mutex
	cron *cron.Cron
}

func New(logger zerolog.Logger, schedule string, store securestore.Store, sink services.HealthSink) *Service {
	if sink == nil {
		sink = services.NopHealth{}
	}
	return &Service{
		logger:   logger.With().Str("service", Name).Logger(),
		schedule: schedule,
		store:    store,
		health:   sink,
	}
}

// Start validates the schedule and starts the cron runner.
func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cronLogger := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if _, err := c.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("invalid self-test schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info().Str("schedule", s.schedule).Msg("scheduler started")
	return nil
}

// Stop waits for a running job to finish or for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	s.Check(ctx)
}

// Check runs one self-test and records the outcome.
func (s *Service) Check(ctx context.Context) health.Status {
	if !s.store.SelfTest(ctx) {
		s.health.Update(securestore.Name, health.StatusUnhealthy, "periodic self-test failed", securestore.ErrSelfTestFailed)
		return health.StatusUnhealthy
	}

	tier := s.store.Tier()
	if tier == secrets.TierMemory {
		s.health.Update(securestore.Name, health.StatusDegraded, "secrets held in memory only", nil)
		return health.StatusDegraded
	}
	s.health.Update(securestore.Name, health.StatusHealthy, fmt.Sprintf("self-test passed (%s)", tier), nil)
	return health.StatusHealthy
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Package lifecycle starts and stops registered services in dependency order.
//
// Required services abort StartAll when they fail. Optional services that fail, or
// whose dependencies are not running, are marked degraded and never block the rest.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/rs/zerolog"
)

type entry struct {
	desc   Descriptor
	status Status
	active bool
}

// Manager owns the runtime status of every registered service.
type Manager struct {
	logger   zerolog.Logger
	health   HealthSink
	observer func(Status)
	now      func() time.Time

	// opMu serializes start and stop operations.
	opMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry
	names   []string
	started []string
}

// Option customizes the manager.
type Option func(*Manager)

// WithHealthSink sets where health records are pushed.
func WithHealthSink(sink HealthSink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.health = sink
		}
	}
}

// WithObserver registers a callback invoked after every status change.
func WithObserver(fn func(Status)) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:  logger,
		health:  noopSink{},
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a service in state pending.
func (m *Manager) Register(desc Descriptor) error {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return errors.New("service name is required")
	}
	if desc.Service == nil {
		return fmt.Errorf("service %q: nil implementation", name)
	}
	desc.Name = name
	desc.Dependencies = slices.Clone(desc.Dependencies)

	m.mu.Lock()
	if _, exists := m.entries[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	e := &entry{
		desc:   desc,
		status: Status{Name: name, Required: desc.Required, State: StatePending},
	}
	m.entries[name] = e
	m.names = append(m.names, name)
	status := e.status
	m.mu.Unlock()

	m.health.Register(name)
	m.notify(status)
	return nil
}

// Order returns the dependency-respecting start order.
func (m *Manager) Order() ([]string, error) {
	m.mu.RLock()
	names := slices.Clone(m.names)
	deps := make(map[string][]string, len(m.entries))
	for name, e := range m.entries {
		deps[name] = e.desc.Dependencies
	}
	m.mu.RUnlock()

	return topoOrder(names, deps)
}

// StartAll starts every service in order. It returns the first required failure,
// after which no further service is started.
func (m *Manager) StartAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	order, err := m.Order()
	if err != nil {
		return err
	}

	m.logger.Info().Strs("order", order).Msg("starting services")
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.start(ctx, name); err != nil {
			var startErr *ServiceStartError
			if errors.As(err, &startErr) && !startErr.Required {
				continue
			}
			return err
		}
	}
	return nil
}

// StartOne starts a single service. Optional failures are returned here.
func (m *Manager) StartOne(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, ok := m.lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return m.start(ctx, name)
}

// StopAll stops started services in the reverse of the order they were started.
// Every service is attempted; failures are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	order := slices.Clone(m.started)
	m.mu.RUnlock()
	slices.Reverse(order)

	var errs []error
	for _, name := range order {
		if err := m.stop(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopOne stops a single service. Stopping a service that is not active is a no-op.
func (m *Manager) StopOne(ctx context.Context, name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, ok := m.lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return m.stop(ctx, name)
}

// Statuses returns a snapshot in registration order.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]Status, 0, len(m.names))
	for _, name := range m.names {
		statuses = append(statuses, m.entries[name].status)
	}
	return statuses
}

// Status returns the snapshot for one service.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}

func (m *Manager) start(ctx context.Context, name string) error {
	e, _ := m.lookup(name)
	desc := e.desc
	logger := m.logger.With().Str("service", name).Bool("required", desc.Required).Logger()

	m.mu.RLock()
	active := e.active
	m.mu.RUnlock()
	if active {
		return nil
	}

	missing := m.missingDependency(desc)
	if missing != nil {
		if desc.Required {
			logger.Error().Err(missing).Msg("required service dependency not running")
			m.setStatus(name, func(s *Status) {
				s.State = StateError
				s.LastError = missing.Error()
			})
			m.health.Update(name, health.StatusUnhealthy, "dependency not running", missing)
			return &ServiceStartError{Service: name, Required: true, Err: missing}
		}
		logger.Warn().Err(missing).Msg("starting optional service without dependency")
	}

	m.setStatus(name, func(s *Status) {
		s.State = StateStarting
	})

	if err := callSafely(func() error { return desc.Service.Start(ctx) }); err != nil {
		if desc.Required {
			logger.Error().Err(err).Msg("required service failed to start")
			m.setStatus(name, func(s *Status) {
				s.State = StateError
				s.LastError = err.Error()
			})
			m.health.Update(name, health.StatusUnhealthy, "failed to start", err)
		} else {
			logger.Warn().Err(err).Msg("optional service failed to start")
			m.setStatus(name, func(s *Status) {
				s.State = StateDegraded
				s.LastError = err.Error()
			})
			m.health.Update(name, health.StatusDegraded, "optional service failed to start", err)
		}
		return &ServiceStartError{Service: name, Required: desc.Required, Err: err}
	}

	startedAt := m.now()
	m.mu.Lock()
	e.active = true
	m.started = append(m.started, name)
	m.mu.Unlock()

	if missing != nil {
		m.setStatus(name, func(s *Status) {
			s.State = StateDegraded
			s.StartedAt = startedAt
			s.LastError = missing.Error()
		})
		m.health.Update(name, health.StatusDegraded, "running without dependency "+missing.Dependency, nil)
		return nil
	}

	m.setStatus(name, func(s *Status) {
		s.State = StateRunning
		s.StartedAt = startedAt
		s.LastError = ""
	})
	m.health.Update(name, health.StatusHealthy, "running", nil)
	logger.Info().Msg("service started")
	return nil
}

func (m *Manager) stop(ctx context.Context, name string) error {
	e, _ := m.lookup(name)

	m.mu.Lock()
	if !e.active {
		m.mu.Unlock()
		return nil
	}
	e.active = false
	if idx := slices.Index(m.started, name); idx >= 0 {
		m.started = slices.Delete(m.started, idx, idx+1)
	}
	m.mu.Unlock()

	err := callSafely(func() error { return e.desc.Service.Stop(ctx) })
	m.setStatus(name, func(s *Status) {
		s.State = StateStopped
		if err != nil {
			s.LastError = err.Error()
		}
	})
	m.health.Update(name, health.StatusUnknown, "stopped", err)

	if err != nil {
		m.logger.Warn().Err(err).Str("service", name).Msg("service failed to stop cleanly")
		return fmt.Errorf("stop service %q: %w", name, err)
	}
	m.logger.Info().Str("service", name).Msg("service stopped")
	return nil
}

// missingDependency returns the first declared dependency that is not running.
func (m *Manager) missingDependency(desc Descriptor) *DependencyMissingError {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, dep := range desc.Dependencies {
		e, ok := m.entries[dep]
		if !ok {
			return &DependencyMissingError{Service: desc.Name, Dependency: dep}
		}
		if e.status.State != StateRunning {
			return &DependencyMissingError{Service: desc.Name, Dependency: dep, State: e.status.State}
		}
	}
	return nil
}

func (m *Manager) lookup(name string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return e, ok
}

func (m *Manager) setStatus(name string, mutate func(*Status)) {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	mutate(&e.status)
	status := e.status
	m.mu.Unlock()

	m.notify(status)
}

func (m *Manager) notify(status Status) {
	if m.observer != nil {
		m.observer(status)
	}
}

// callSafely converts a panic in fn into an error.
func callSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

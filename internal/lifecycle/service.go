package lifecycle

import (
	"context"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
)

// Service is a long-running subsystem the manager can start and stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Funcs adapts plain functions to Service. A nil func is a no-op.
type Funcs struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

// Descriptor declares a service. It is immutable once registered.
type Descriptor struct {
	Name         string
	Dependencies []string
	Required     bool
	Service      Service
}

// State is the runtime state of a registered service.
type State string

const (
	StatePending  State = "pending"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateError    State = "error"
	StateStopped  State = "stopped"
)

// Status is a snapshot of one service's runtime state.
type Status struct {
	Name      string    `json:"name"`
	Required  bool      `json:"required"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// HealthSink receives per-service health records.
type HealthSink interface {
	Register(name string)
	Update(name string, status health.Status, message string, err error)
}

type noopSink struct{}

func (noopSink) Register(string)                             {}
func (noopSink) Update(string, health.Status, string, error) {}

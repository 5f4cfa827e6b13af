package boot

import (
	"context"

	"github.com/jarvis-dash/jarvis-core/internal/auth"
	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/lifecycle"
)

type SelfTester interface {
	SelfTest(ctx context.Context) bool
}

type ProfileProvider interface {
	Profile(ctx context.Context) (auth.Profile, error)
}

type OnboardingProvider interface {
	Complete(ctx context.Context) (bool, error)
}

type PermissionRequester interface {
	RequestPermissions(ctx context.Context) error
}

// ServiceManager is the part of the lifecycle manager the orchestrator drives.
type ServiceManager interface {
	StartAll(ctx context.Context) error
	StopOne(ctx context.Context, name string) error
	Statuses() []lifecycle.Status
}

type HealthSink interface {
	Register(name string)
	Update(name string, status health.Status, message string, err error)
}

// BootRecorder receives every finished attempt.
type BootRecorder interface {
	RecordBoot(result Result)
}

// AuthWatcher streams auth state changes until ctx is done.
type AuthWatcher interface {
	Watch(ctx context.Context) <-chan auth.Event
}

// Dependencies are the collaborators of one orchestrator. Nil members are skipped,
// except Services which is required.
type Dependencies struct {
	ConfigCheck      func() error
	Store            SelfTester
	Profiles         ProfileProvider
	Onboarding       OnboardingProvider
	Permissions      PermissionRequester
	Services         ServiceManager
	Health           HealthSink
	Recorder         BootRecorder
	AuthEvents       AuthWatcher
	TeardownServices []string
}

type noopHealth struct{}

func (noopHealth) Register(string)                             {}
func (noopHealth) Update(string, health.Status, string, error) {}

package boot

import (
	"errors"
	"time"
)

// Phase is the boot state visible to the UI. Several flags may be set at once.
type Phase struct {
	Mounted            bool   `json:"mounted"`
	Authenticating     bool   `json:"authenticating"`
	ShowingSignIn      bool   `json:"showingSignIn"`
	Ready              bool   `json:"ready"`
	SplashHidden       bool   `json:"splashHidden"`
	OnboardingRedirect bool   `json:"onboardingRedirect"`
	LocalOnly          bool   `json:"localOnly"`
	Degraded           bool   `json:"degraded"`
	TimedOut           bool   `json:"timedOut"`
	Error              string `json:"error,omitempty"`
}

// Outcome is the terminal result of a boot attempt.
type Outcome string

const (
	OutcomeReady      Outcome = "ready"
	OutcomeDegraded   Outcome = "degraded"
	OutcomeSignIn     Outcome = "sign_in"
	OutcomeOnboarding Outcome = "onboarding"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeCancelled  Outcome = "cancelled"
)

// Outcomes lists every outcome, in display order.
var Outcomes = []Outcome{
	OutcomeReady,
	OutcomeDegraded,
	OutcomeSignIn,
	OutcomeOnboarding,
	OutcomeFailed,
	OutcomeTimeout,
	OutcomeCancelled,
}

// Reached reports whether the attempt ended with the dashboard available.
func (o Outcome) Reached() bool {
	return o == OutcomeReady || o == OutcomeDegraded
}

var (
	// ErrAborted is returned for attempts cut short by Unmount.
	ErrAborted = errors.New("boot aborted")
	// ErrTimedOut is returned when a timer forced the outcome.
	ErrTimedOut = errors.New("boot timed out")
)

// Result summarizes one boot attempt.
type Result struct {
	AttemptID string
	Outcome   Outcome
	Phase     Phase
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

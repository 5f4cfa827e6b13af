package state

import (
	"context"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
)

// ServiceRecord is a service's state at the end of a boot attempt.
type ServiceRecord struct {
	Name      string `json:"name"`
	Required  bool   `json:"required"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// BootRecord summarizes the most recent boot attempt.
type BootRecord struct {
	AttemptID           string          `json:"attempt_id"`
	Outcome             string          `json:"outcome"`
	StartedAt           time.Time       `json:"started_at"`
	DurationMillis      int64           `json:"duration_ms"`
	Error               string          `json:"error,omitempty"`
	ManifestFingerprint string          `json:"manifest_fingerprint,omitempty"`
	Services            []ServiceRecord `json:"services,omitempty"`
}

// State is everything persisted across runs.
type State struct {
	LastBoot  *BootRecord `json:"last_boot,omitempty"`
	BootCount int         `json:"boot_count"`
	// Health holds the last notified record per name.
	Health map[string]health.Record `json:"health"`
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	// Update applies fn to the loaded state and saves the result atomically
	// with respect to other Update calls on the same store.
	Update(ctx context.Context, fn func(*State) error) error
}

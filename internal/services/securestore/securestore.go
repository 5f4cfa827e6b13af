// Package securestore wraps the secure key store as the required boot service.
package securestore

import (
	"context"
	"errors"

	"github.com/jarvis-dash/jarvis-core/internal/secrets"
	"github.com/rs/zerolog"
)

const Name = "secure-store"

// ErrSelfTestFailed is returned when the store cannot round-trip a value on any tier.
var ErrSelfTestFailed = errors.New("secure store self-test failed")

// Store is the part of the secure key store the service needs.
type Store interface {
	SelfTest(ctx context.Context) bool
	Tier() secrets.Tier
}

type Service struct {
	logger zerolog.Logger
	store  Store
}

func New(logger zerolog.Logger, store Store) *Service {
	return &Service{logger: logger.With().Str("service", Name).Logger(), store: store}
}

// Start self-tests the store. The store downgrades tiers on its own, so a failure
// here means even the in-memory tier is unusable.
func (s *Service) Start(ctx context.Context) error {
	if !s.store.SelfTest(ctx) {
		return ErrSelfTestFailed
	}
	tier := s.store.Tier()
	if tier == secrets.TierMemory {
		s.logger.Warn().Str("tier", string(tier)).Msg("secrets will not survive a restart")
		return nil
	}
	s.logger.Info().Str("tier", string(tier)).Msg("secure store ready")
	return nil
}

func (s *Service) Stop(context.Context) error {
	return nil
}

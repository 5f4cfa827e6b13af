// Package secrets implements the tiered secure key store.
//
// Values are kept in the platform keychain when one is usable, otherwise in a
// lock-guarded JSON file under the data directory, otherwise in process memory.
// Tiers only ever downgrade at runtime.
package secrets

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Tier names the storage backend currently serving requests.
type Tier string

const (
	TierKeychain Tier = "keychain"
	TierFile     Tier = "file"
	TierMemory   Tier = "memory"
)

// Backend selection values accepted in Options.Backend.
const (
	BackendAuto     = "auto"
	BackendKeychain = "keychain"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

// SecretScope is the scope used by the SaveSecret family.
const SecretScope = "secrets"

const (
	defaultMaxValueBytes    = 2048
	defaultLockTimeout      = 5 * time.Second
	defaultLockPollInterval = 50 * time.Millisecond
	defaultKeychainService  = "jarvis"
	defaultDataDir          = "./data"
	selfTestScope           = "selftest"
)

// Observer receives store events. Implementations must be safe for concurrent use.
type Observer interface {
	TierSelected(tier Tier)
	LockTimedOut()
}

// Options configures Open. Zero values take defaults.
type Options struct {
	Backend          string
	DataDir          string
	KeychainService  string
	MaxValueBytes    int
	LockTimeout      time.Duration
	LockPollInterval time.Duration
	// Keychain overrides the OS keychain, mostly for tests.
	Keychain Keychain
	Observer Observer
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Backend) == "" {
		o.Backend = BackendAuto
	}
	o.Backend = strings.ToLower(strings.TrimSpace(o.Backend))
	if o.DataDir == "" {
		o.DataDir = defaultDataDir
	}
	if o.KeychainService == "" {
		o.KeychainService = defaultKeychainService
	}
	if o.MaxValueBytes <= 0 {
		o.MaxValueBytes = defaultMaxValueBytes
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.LockPollInterval <= 0 {
		o.LockPollInterval = defaultLockPollInterval
	}
	if o.Keychain == nil {
		o.Keychain = OSKeychain()
	}
	return o
}

type backend interface {
	Tier() Tier
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Update replaces key with fn's result in one step; an empty result deletes it.
	Update(ctx context.Context, key string, fn func(value string, found bool) (string, error)) error
}

// Store is safe for concurrent use.
type Store struct {
	logger        zerolog.Logger
	observer      Observer
	maxValueBytes int
	lock          *fileLock

	mu     sync.RWMutex
	active backend
	memory *memoryBackend

	registryMu sync.Mutex
}

// Open selects the best usable tier. It never fails; the memory tier is the floor.
func Open(opts Options, logger zerolog.Logger) *Store {
	opts = opts.withDefaults()
	s := &Store{
		logger:        logger,
		observer:      opts.Observer,
		maxValueBytes: opts.MaxValueBytes,
		memory:        newMemoryBackend(),
		lock: newFileLock(
			filepath.Join(opts.DataDir, secretsFileName+lockSuffix),
			opts.LockTimeout,
			opts.LockPollInterval,
			logger,
		),
	}
	s.active = s.selectBackend(opts)
	s.logger.Info().Str("tier", string(s.active.Tier())).Msg("secure store ready")
	if s.observer != nil {
		s.observer.TierSelected(s.active.Tier())
	}
	return s
}

func (s *Store) selectBackend(opts Options) backend {
	if opts.Backend == BackendMemory {
		return s.memory
	}

	if opts.Backend == BackendAuto || opts.Backend == BackendKeychain {
		keychain := newKeychainBackend(opts.Keychain, opts.KeychainService, s.logger)
		err := keychain.probe()
		if err == nil {
			return keychain
		}
		s.logger.Warn().Err(err).Msg("keychain unavailable, falling back to file storage")
	}

	file, err := newFileBackend(opts.DataDir, s.lock)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", opts.DataDir).Msg("file storage unavailable, falling back to memory")
		return s.memory
	}
	return file
}

// Tier reports the active tier.
func (s *Store) Tier() Tier {
	return s.backend().Tier()
}

func (s *Store) backend() backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Store) downgrade(from backend, cause error) {
	s.mu.Lock()
	if s.active != from {
		s.mu.Unlock()
		return
	}
	s.active = s.memory
	s.mu.Unlock()

	s.logger.Warn().Err(cause).Str("from", string(from.Tier())).Msg("secure storage degraded to memory")
	if s.observer != nil {
		s.observer.TierSelected(TierMemory)
	}
}

// do runs fn against the active tier and applies the file tier's fallback rules.
func (s *Store) do(ctx context.Context, op string, fn func(backend) error) error {
	b := s.backend()
	err := fn(b)
	if err == nil || b.Tier() != TierFile {
		return err
	}

	switch {
	case errors.Is(err, errLockTimeout):
		s.logger.Warn().Err(err).Str("op", op).Msg("serving secret operation from memory")
		if s.observer != nil {
			s.observer.LockTimedOut()
		}
		return fn(s.memory)
	case errors.Is(err, ErrStorageUnavailable):
		s.downgrade(b, err)
		return fn(s.memory)
	default:
		return err
	}
}

// Save stores value under scope/key. Oversized values are rejected before any I/O.
func (s *Store) Save(ctx context.Context, scope, key, value string) error {
	qualified, name, err := storageKey(scope, key)
	if err != nil {
		return err
	}
	if len(value) > s.maxValueBytes {
		return &ValueTooLargeError{Key: name, Size: len(value), Max: s.maxValueBytes}
	}

	if err := s.do(ctx, "save", func(b backend) error {
		return b.Set(ctx, qualified, value)
	}); err != nil {
		return err
	}
	return s.register(ctx, scope, name)
}

// Get returns the value and whether it exists.
func (s *Store) Get(ctx context.Context, scope, key string) (string, bool, error) {
	qualified, _, err := storageKey(scope, key)
	if err != nil {
		return "", false, err
	}
	return s.get(ctx, qualified)
}

func (s *Store) get(ctx context.Context, qualified string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.do(ctx, "get", func(b backend) error {
		var err error
		value, found, err = b.Get(ctx, qualified)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

// Delete removes scope/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, scope, key string) error {
	qualified, name, err := storageKey(scope, key)
	if err != nil {
		return err
	}
	if err := s.unregister(ctx, scope, name); err != nil {
		return err
	}
	return s.remove(ctx, qualified)
}

func (s *Store) remove(ctx context.Context, qualified string) error {
	return s.do(ctx, "delete", func(b backend) error {
		return b.Delete(ctx, qualified)
	})
}

// Keys lists the sanitized key names registered in scope.
func (s *Store) Keys(ctx context.Context, scope string) ([]string, error) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	return s.readRegistry(ctx, scope)
}

// ClearAll deletes every registered key in scope and drops them from the registry.
// Keys registered concurrently by another process stay listed.
func (s *Store) ClearAll(ctx context.Context, scope string) error {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()

	names, err := s.readRegistry(ctx, scope)
	if err != nil {
		return err
	}

	var (
		errs    []error
		cleared []string
	)
	for _, name := range names {
		if err := s.remove(ctx, qualify(scope, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		cleared = append(cleared, name)
	}
	if err := s.mutateRegistry(ctx, scope, func(current []string) []string {
		return slices.DeleteFunc(current, func(name string) bool {
			return slices.Contains(cleared, name)
		})
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) SaveSecret(ctx context.Context, name, value string) error {
	return s.Save(ctx, SecretScope, name, value)
}

func (s *Store) GetSecret(ctx context.Context, name string) (string, bool, error) {
	return s.Get(ctx, SecretScope, name)
}

func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	return s.Delete(ctx, SecretScope, name)
}

func (s *Store) ListSecrets(ctx context.Context) ([]string, error) {
	return s.Keys(ctx, SecretScope)
}

// SelfTest writes, reads back and deletes a random probe value.
func (s *Store) SelfTest(ctx context.Context) bool {
	probe := uuid.NewString()
	key := "probe-" + probe[:8]

	if err := s.Save(ctx, selfTestScope, key, probe); err != nil {
		s.logger.Warn().Err(err).Msg("secure store self-test write failed")
		return false
	}
	got, found, err := s.Get(ctx, selfTestScope, key)
	if err != nil || !found || got != probe {
		s.logger.Warn().Err(err).Bool("found", found).Msg("secure store self-test read back failed")
		_ = s.Delete(ctx, selfTestScope, key)
		return false
	}
	if err := s.Delete(ctx, selfTestScope, key); err != nil {
		s.logger.Warn().Err(err).Msg("secure store self-test cleanup failed")
		return false
	}
	return true
}

// BreakLock removes the file-tier lock marker left behind by a dead holder.
func (s *Store) BreakLock() error {
	pid, err := s.lock.forceRelease()
	if err != nil {
		return err
	}
	if pid != "" {
		s.logger.Warn().Str("holder_pid", pid).Str("path", s.lock.path).Msg("secret file lock removed")
	}
	return nil
}

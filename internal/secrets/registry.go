package secrets

import (
	"context"
	"encoding/json"
	"slices"
)

// The registry is a JSON array of key names stored under scope/__registry__.
// It exists because the keychain tier cannot enumerate entries. Callers must hold registryMu.

func (s *Store) readRegistry(ctx context.Context, scope string) ([]string, error) {
	raw, found, err := s.get(ctx, qualify(scope, registryKey))
	if err != nil {
		return nil, err
	}
	return s.decodeRegistry(scope, raw, found), nil
}

func (s *Store) decodeRegistry(scope, raw string, found bool) []string {
	if !found || raw == "" {
		return []string{}
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope).Msg("key registry is corrupt, treating as empty")
		return []string{}
	}
	return names
}

// mutateRegistry rewrites the registry of scope as one backend update, so on the
// file tier the read and the write happen under a single lock hold.
func (s *Store) mutateRegistry(ctx context.Context, scope string, fn func([]string) []string) error {
	key := qualify(scope, registryKey)
	return s.do(ctx, "registry", func(b backend) error {
		return b.Update(ctx, key, func(raw string, found bool) (string, error) {
			names := fn(s.decodeRegistry(scope, raw, found))
			if len(names) == 0 {
				return "", nil
			}
			slices.Sort(names)
			data, err := json.Marshal(slices.Compact(names))
			return string(data), err
		})
	})
}

func (s *Store) register(ctx context.Context, scope, name string) error {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()

	return s.mutateRegistry(ctx, scope, func(names []string) []string {
		if slices.Contains(names, name) {
			return names
		}
		return append(names, name)
	})
}

func (s *Store) unregister(ctx context.Context, scope, name string) error {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()

	return s.mutateRegistry(ctx, scope, func(names []string) []string {
		return slices.DeleteFunc(names, func(n string) bool { return n == name })
	})
}

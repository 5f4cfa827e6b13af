package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/jarvis-dash/jarvis-core/internal/atomicfile"
)

const (
	secretsFileName = "secrets.json"
	lockSuffix      = ".lock"
)

// fileBackend keeps every secret in one JSON object guarded by a fileLock.
type fileBackend struct {
	path string
	lock *fileLock
}

func newFileBackend(dir string, lock *fileLock) (*fileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileBackend{
		path: filepath.Join(dir, secretsFileName),
		lock: lock,
	}, nil
}

func (f *fileBackend) Tier() Tier {
	return TierFile
}

func (f *fileBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := f.withLock(ctx, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		value, found = values[key]
		return nil
	})
	return value, found, err
}

func (f *fileBackend) Set(ctx context.Context, key, value string) error {
	return f.withLock(ctx, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		values[key] = value
		return f.store(values)
	})
}

func (f *fileBackend) Delete(ctx context.Context, key string) error {
	return f.withLock(ctx, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		if _, ok := values[key]; !ok {
			return nil
		}
		delete(values, key)
		return f.store(values)
	})
}

func (f *fileBackend) Update(ctx context.Context, key string, fn func(string, bool) (string, error)) error {
	return f.withLock(ctx, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		current, found := values[key]
		next, err := fn(current, found)
		if err != nil {
			return err
		}
		switch {
		case next == "" && !found, found && next == current:
			return nil
		case next == "":
			delete(values, key)
		default:
			values[key] = next
		}
		return f.store(values)
	})
}

func (f *fileBackend) withLock(ctx context.Context, fn func() error) error {
	release, err := f.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// load reads the document. A corrupt document is reported as unavailable rather than
// treated as empty so the next write cannot clobber it.
func (f *fileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, unavailable("read "+f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]string{}, nil
	}

	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, unavailable("decode "+f.path, err)
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

func (f *fileBackend) store(values map[string]string) error {
	if err := atomicfile.WriteJSON(f.path, values); err != nil {
		return unavailable("write "+f.path, err)
	}
	return nil
}

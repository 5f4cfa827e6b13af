package secrets

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable reports that a storage tier could not serve a request.
	ErrStorageUnavailable = errors.New("secure storage unavailable")
	// ErrValueTooLarge is returned before any I/O when a value exceeds the size bound.
	ErrValueTooLarge = errors.New("secret value too large")
	// ErrInvalidKey is returned for keys that are empty after sanitizing or reserved.
	ErrInvalidKey = errors.New("invalid secret key")

	errLockTimeout = errors.New("secret file lock timed out")
)

// ValueTooLargeError carries the offending size.
type ValueTooLargeError struct {
	Key  string
	Size int
	Max  int
}

func (e *ValueTooLargeError) Error() string {
	return fmt.Sprintf("%s: key %q is %d bytes, limit %d", ErrValueTooLarge, e.Key, e.Size, e.Max)
}

func (e *ValueTooLargeError) Unwrap() error {
	return ErrValueTooLarge
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

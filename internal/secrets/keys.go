package secrets

import (
	"fmt"
	"strings"
)

const (
	registryKey = "__registry__"
	// scopeSeparator is outside the sanitized charset, so no scope or key can contain it.
	scopeSeparator = "/"
)

// Sanitize maps every character outside [A-Za-z0-9._-] to an underscore.
func Sanitize(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(value))
}

// storageKey namespaces key under scope. It returns the sanitized key name as well.
func storageKey(scope, key string) (string, string, error) {
	name := Sanitize(key)
	if name == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if name == registryKey || strings.HasSuffix(name, "."+registryKey) {
		return "", "", fmt.Errorf("%w: %q is reserved", ErrInvalidKey, key)
	}
	return qualify(scope, name), name, nil
}

func qualify(scope, name string) string {
	scope = Sanitize(scope)
	if scope == "" {
		return name
	}
	return scope + scopeSeparator + name
}

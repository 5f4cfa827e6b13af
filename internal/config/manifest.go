package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceSpec declares one service in the manifest.
type ServiceSpec struct {
	Name         string   `yaml:"name"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Required     bool     `yaml:"required"`
}

// Manifest is the parsed YAML structure for service declarations:
// services: [{name, dependencies, required}]
type Manifest struct {
	Services []ServiceSpec `yaml:"services"`

	// Fingerprint identifies the manifest contents. Empty for the built-in default.
	Fingerprint string `yaml:"-"`
}

// DefaultManifest is used when no services file is configured.
func DefaultManifest() Manifest {
	return Manifest{
		Services: []ServiceSpec{
			{Name: "secure-store", Required: true},
			{Name: "realtime", Dependencies: []string{"secure-store"}},
			{Name: "voice", Dependencies: []string{"realtime"}},
			{Name: "scheduler", Dependencies: []string{"secure-store"}},
			{Name: "monitor"},
		},
	}
}

// LoadManifest parses a YAML manifest from a file path or an http(s) URL.
// Returns the default manifest if path is empty.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}

	var (
		data []byte
		err  error
	)
	if isURL(path) {
		var fetcher *ManifestFetcher
		fetcher, err = NewManifestFetcher(path, defaultManifestTimeout)
		if err != nil {
			return Manifest{}, err
		}
		data, err = fetcher.Fetch(context.Background())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read services file: %w", err)
	}
	return parseManifest(data)
}

func parseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse services file: %w", err)
	}

	if err := validateServices(m.Services); err != nil {
		return Manifest{}, err
	}

	fingerprint, err := Fingerprint(data)
	if err != nil {
		return Manifest{}, err
	}
	m.Fingerprint = fingerprint

	return m, nil
}

// Fingerprint computes a SHA-256 hash for the given manifest bytes.
func Fingerprint(body []byte) (string, error) {
	if len(body) == 0 {
		return "", errors.New("manifest body is empty")
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// validateServices ensures all declarations are valid and dependencies are declared.
func validateServices(services []ServiceSpec) error {
	if len(services) == 0 {
		return fmt.Errorf("services file contains no services")
	}

	seen := make(map[string]bool)

	for i, s := range services {
		if s.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}

		if seen[s.Name] {
			return fmt.Errorf("service %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
	}

	for _, s := range services {
		for _, dep := range s.Dependencies {
			if dep == s.Name {
				return fmt.Errorf("service %q: depends on itself", s.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("service %q: unknown dependency %q", s.Name, dep)
			}
		}
	}

	return nil
}

// Package services holds the long-running subsystems started by the lifecycle manager.
// Each subpackage exposes a Service implementing lifecycle.Service and a Name
// matching its manifest entry.
package services

import "github.com/jarvis-dash/jarvis-core/internal/health"

// HealthSink receives health observations from running services.
type HealthSink interface {
	Update(name string, status health.Status, message string, err error)
}

// NopHealth discards health observations.
type NopHealth struct{}

func (NopHealth) Update(string, health.Status, string, error) {}

// Package health aggregates per-service health records into a single report.
package health

import "time"

// Status represents the health of a service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Record captures the latest health observation for one service.
type Record struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	LastCheck time.Time `json:"lastCheck"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Report is the rollup exposed to observers.
type Report struct {
	Timestamp     time.Time `json:"timestamp"`
	OverallStatus Status    `json:"overallStatus"`
	Services      []Record  `json:"services"`
}

// Rollup computes the overall status: unhealthy wins over degraded, everything else is healthy.
func Rollup(records []Record) Status {
	overall := StatusHealthy
	for _, record := range records {
		switch record.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// Severity orders statuses for comparison and metrics. Unknown sorts with healthy.
func Severity(status Status) int {
	switch status {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}

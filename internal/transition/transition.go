// Package transition detects health status changes between reports.
package transition

import (
	"sort"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
)

// Transition captures a status change for one health record.
type Transition struct {
	Name     string        `json:"name"`
	Previous health.Status `json:"previous"`
	Current  health.Status `json:"current"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Escalation reports whether the change moved to a worse status.
func (t Transition) Escalation() bool {
	return health.Severity(t.Current) > health.Severity(t.Previous)
}

// Detect compares the previously notified records with the current report.
// On the first run, and for records never seen before, healthy and unknown records
// are not reported.
func Detect(prev map[string]health.Record, current health.Report) []Transition {
	firstRun := len(prev) == 0

	transitions := make([]Transition, 0)
	for _, record := range current.Services {
		previous, hadPrev := prev[record.Name]

		if firstRun || !hadPrev {
			if quiet(record.Status) {
				continue
			}
		} else if previous.Status == record.Status {
			continue
		}

		transitions = append(transitions, Transition{
			Name:     record.Name,
			Previous: previous.Status,
			Current:  record.Status,
			Message:  record.Message,
			Error:    record.Error,
			At:       record.LastCheck,
		})
	}

	// Sort by record name for deterministic output
	sort.Slice(transitions, func(i, j int) bool {
		return transitions[i].Name < transitions[j].Name
	})

	return transitions
}

func quiet(status health.Status) bool {
	return status == health.StatusHealthy || status == health.StatusUnknown
}

package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
)

// Reporter produces the aggregated health report.
type Reporter interface {
	Report() health.Report
}

// HealthHandler serves /healthz with the health report. It answers 503 when the
// rollup is unhealthy or the monitor has gone stale.
func HealthHandler(reporter Reporter, tracker *Tracker, pollInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := health.Report{Timestamp: time.Now().UTC(), OverallStatus: health.StatusUnknown, Services: []health.Record{}}
		if reporter != nil {
			report = reporter.Report()
		}

		status := http.StatusOK
		if report.OverallStatus == health.StatusUnhealthy || tracker.Stale(time.Now().UTC(), pollInterval) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// ReadyHandler serves /readyz responses.
func ReadyHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusServiceUnavailable
		if tracker.Ready() {
			status = http.StatusOK
		}
		writeJSON(w, status, tracker.Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

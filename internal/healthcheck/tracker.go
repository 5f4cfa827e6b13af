package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the latest boot attempt and monitor cycle.
type Snapshot struct {
	AttemptID        string     `json:"attempt_id,omitempty"`
	Outcome          string     `json:"outcome,omitempty"`
	LastBootTime     *time.Time `json:"last_boot_time"`
	BootDurationMS   int64      `json:"boot_duration_ms"`
	LastCycleTime    *time.Time `json:"last_cycle_time"`
	CycleDurationMS  int64      `json:"cycle_duration_ms"`
	RecordsEvaluated int        `json:"records_evaluated"`
}

// Tracker records boot and monitor timing for the health endpoints.
type Tracker struct {
	mu               sync.RWMutex
	attemptID        string
	outcome          string
	lastBoot         time.Time
	bootDuration     time.Duration
	ready            bool
	lastCycle        time.Time
	cycleDuration    time.Duration
	recordsEvaluated int
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordBoot stores the latest attempt. Readiness follows the latest attempt only.
func (t *Tracker) RecordBoot(attemptID, outcome string, duration time.Duration, reached bool) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.attemptID = attemptID
	t.outcome = outcome
	t.lastBoot = now
	t.bootDuration = duration
	t.ready = reached
	t.mu.Unlock()
}

// SetReady overrides readiness, e.g. after a sign-out.
func (t *Tracker) SetReady(ready bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.ready = ready
	t.mu.Unlock()
}

// RecordCycle updates monitor cycle timing.
func (t *Tracker) RecordCycle(duration time.Duration, recordsEvaluated int) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	t.lastCycle = now
	t.cycleDuration = duration
	t.recordsEvaluated = recordsEvaluated
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		AttemptID:        t.attemptID,
		Outcome:          t.outcome,
		LastBootTime:     timePtr(t.lastBoot),
		BootDurationMS:   int64(t.bootDuration / time.Millisecond),
		LastCycleTime:    timePtr(t.lastCycle),
		CycleDurationMS:  int64(t.cycleDuration / time.Millisecond),
		RecordsEvaluated: t.recordsEvaluated,
	}
}

// Ready reports whether the latest boot attempt reached the dashboard.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Stale reports whether monitor cycles have been recorded but the last one is older
// than 2x the poll interval.
func (t *Tracker) Stale(now time.Time, pollInterval time.Duration) bool {
	if t == nil || pollInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastCycle.IsZero() {
		return false
	}
	return now.Sub(t.lastCycle) > 2*pollInterval
}

func timePtr(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

package health

import (
	"sort"
	"sync"
	"time"
)

// Aggregator is the process-wide registry of health records.
type Aggregator struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewAggregator constructs an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register creates an unknown record for name. Existing records are left untouched.
func (a *Aggregator) Register(name string) {
	if a == nil || name == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[name]; ok {
		return
	}
	a.records[name] = Record{
		Name:      name,
		Status:    StatusUnknown,
		LastCheck: a.now(),
	}
}

// Update replaces the record for name, creating it on first use.
func (a *Aggregator) Update(name string, status Status, message string, err error) {
	if a == nil || name == "" {
		return
	}
	record := Record{
		Name:      name,
		Status:    status,
		LastCheck: a.now(),
		Message:   message,
	}
	if err != nil {
		record.Error = err.Error()
	}
	a.mu.Lock()
	a.records[name] = record
	a.mu.Unlock()
}

// Get returns the record for name.
func (a *Aggregator) Get(name string) (Record, bool) {
	if a == nil {
		return Record{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	record, ok := a.records[name]
	return record, ok
}

// Report returns a snapshot of all records sorted by name along with the rollup.
func (a *Aggregator) Report() Report {
	if a == nil {
		return Report{OverallStatus: StatusHealthy}
	}
	a.mu.RLock()
	services := make([]Record, 0, len(a.records))
	for _, record := range a.records {
		services = append(services, record)
	}
	a.mu.RUnlock()

	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})

	return Report{
		Timestamp:     a.now(),
		OverallStatus: Rollup(services),
		Services:      services,
	}
}

// Reset drops every record.
func (a *Aggregator) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.records = make(map[string]Record)
	a.mu.Unlock()
}

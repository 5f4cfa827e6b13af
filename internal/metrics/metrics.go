package metrics

import (
	"net/http"
	"time"

	"github.com/jarvis-dash/jarvis-core/internal/health"
	"github.com/jarvis-dash/jarvis-core/internal/lifecycle"
	"github.com/jarvis-dash/jarvis-core/internal/secrets"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	serviceStates = []lifecycle.State{
		lifecycle.StatePending,
		lifecycle.StateStarting,
		lifecycle.StateRunning,
		lifecycle.StateDegraded,
		lifecycle.StateError,
		lifecycle.StateStopped,
	}
	storeTiers = []secrets.Tier{
		secrets.TierKeychain,
		secrets.TierFile,
		secrets.TierMemory,
	}
)

// Metrics wraps Prometheus collectors for the boot core.
type Metrics struct {
	registry                 *prometheus.Registry
	bootDurationSeconds      prometheus.Histogram
	bootOutcomesTotal        *prometheus.CounterVec
	serviceState             *prometheus.GaugeVec
	healthOverall            prometheus.Gauge
	secretStoreTier          *prometheus.GaugeVec
	secretLockTimeoutsTotal  prometheus.Counter
	notificationsTotal       *prometheus.CounterVec
	cycleDurationSeconds     prometheus.Histogram
	lastSuccessfulCycleGauge prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		bootDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jarvis_boot_duration_seconds",
			Help:    "Duration of boot attempts in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 8, 10},
		}),
		bootOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jarvis_boot_outcomes_total",
			Help: "Total boot attempts by outcome.",
		}, []string{"outcome"}),
		serviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jarvis_service_state",
			Help: "Current lifecycle state per service; 1 for the active state.",
		}, []string{"service", "state"}),
		healthOverall: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jarvis_health_overall",
			Help: "Overall health rollup: 0 healthy, 1 degraded, 2 unhealthy.",
		}),
		secretStoreTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jarvis_secret_store_tier",
			Help: "Active secure store tier; 1 for the active tier.",
		}, []string{"tier"}),
		secretLockTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jarvis_secret_lock_timeouts_total",
			Help: "Secret operations served from memory because the file lock timed out.",
		}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jarvis_notifications_total",
			Help: "Total health notifications emitted by severity.",
		}, []string{"severity"}),
		cycleDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jarvis_monitor_cycle_duration_seconds",
			Help:    "Duration of health monitor cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		lastSuccessfulCycleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jarvis_monitor_last_successful_cycle_timestamp",
			Help: "Unix timestamp of the last successful monitor cycle.",
		}),
	}

	registry.MustRegister(
		m.bootDurationSeconds,
		m.bootOutcomesTotal,
		m.serviceState,
		m.healthOverall,
		m.secretStoreTier,
		m.secretLockTimeoutsTotal,
		m.notificationsTotal,
		m.cycleDurationSeconds,
		m.lastSuccessfulCycleGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBoot records a finished boot attempt.
func (m *Metrics) ObserveBoot(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.bootDurationSeconds.Observe(duration.Seconds())
	m.bootOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveServiceState sets the state gauge for one service.
func (m *Metrics) ObserveServiceState(status lifecycle.Status) {
	if m == nil {
		return
	}
	for _, state := range serviceStates {
		value := 0.0
		if state == status.State {
			value = 1
		}
		m.serviceState.WithLabelValues(status.Name, string(state)).Set(value)
	}
}

// SetHealthOverall records the rollup severity.
func (m *Metrics) SetHealthOverall(status health.Status) {
	if m == nil {
		return
	}
	m.healthOverall.Set(float64(health.Severity(status)))
}

// TierSelected implements secrets.Observer.
func (m *Metrics) TierSelected(tier secrets.Tier) {
	if m == nil {
		return
	}
	for _, candidate := range storeTiers {
		value := 0.0
		if candidate == tier {
			value = 1
		}
		m.secretStoreTier.WithLabelValues(string(candidate)).Set(value)
	}
}

// LockTimedOut implements secrets.Observer.
func (m *Metrics) LockTimedOut() {
	if m == nil {
		return
	}
	m.secretLockTimeoutsTotal.Inc()
}

// IncNotificationsTotal increments the notifications counter for the given severity.
func (m *Metrics) IncNotificationsTotal(severity string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(severity).Inc()
}

// ObserveCycleDuration records the duration of a completed monitor cycle.
func (m *Metrics) ObserveCycleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDurationSeconds.Observe(duration.Seconds())
}

// SetLastSuccessfulCycleTimestamp sets the last successful cycle time.
func (m *Metrics) SetLastSuccessfulCycleTimestamp(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessfulCycleGauge.Set(float64(t.Unix()))
}

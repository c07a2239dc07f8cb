package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"typestatd/internal/compute"
	"typestatd/internal/keystroke"
	"typestatd/internal/stats"
)

// TypingMetrics holds the typestatd metrics. It satisfies stats.Observer and
// pipeline.Observer.
type TypingMetrics struct {
	registry *Registry

	// Counters
	KeystrokesTotal        *Counter
	SpecialKeysTotal       *Counter
	BackspacesTotal        *Counter
	DroppedEventsTotal     *Counter
	CompositionsTotal      *Counter
	StatsRequestsTotal     *Counter
	StatsErrorsTotal       *Counter
	StatsFallbackTotal     *Counter
	AcceleratorErrorsTotal *Counter
	UnitTimeoutsTotal      *Counter
	HealthTransitionsTotal *Counter

	// Gauges
	Pending       *Gauge
	HealthState   *Gauge
	UptimeSeconds *Gauge

	// Histograms
	RoundTripSeconds *Histogram

	started    time.Time
	lastHealth atomic.Int64

	accMu     sync.Mutex
	accErrors uint64
}

// NewTypingMetrics creates and registers all typestatd metrics. A nil
// registry gets a fresh one under the "typestatd" namespace.
func NewTypingMetrics(registry *Registry) *TypingMetrics {
	if registry == nil {
		registry = NewRegistry("typestatd")
	}

	m := &TypingMetrics{
		registry: registry,

		KeystrokesTotal: registry.RegisterCounter(
			"keystrokes_total",
			"Total number of typing keys processed",
			nil,
		),
		SpecialKeysTotal: registry.RegisterCounter(
			"special_keys_total",
			"Total number of function, navigation and shortcut keys",
			nil,
		),
		BackspacesTotal: registry.RegisterCounter(
			"backspaces_total",
			"Total number of backspace presses",
			nil,
		),
		DroppedEventsTotal: registry.RegisterCounter(
			"dropped_events_total",
			"Raw key events dropped because the capture queue was full",
			nil,
		),
		CompositionsTotal: registry.RegisterCounter(
			"compositions_total",
			"Completed compositions published",
			nil,
		),
		StatsRequestsTotal: registry.RegisterCounter(
			"stats_requests_total",
			"Statistics requests answered by the compute unit",
			nil,
		),
		StatsErrorsTotal: registry.RegisterCounter(
			"stats_errors_total",
			"Statistics requests that failed on the compute unit",
			nil,
		),
		StatsFallbackTotal: registry.RegisterCounter(
			"stats_fallback_total",
			"Statistics computed in-process",
			nil,
		),
		AcceleratorErrorsTotal: registry.RegisterCounter(
			"accelerator_errors_total",
			"Accelerator failures reported by the compute unit",
			nil,
		),
		UnitTimeoutsTotal: registry.RegisterCounter(
			"unit_timeouts_total",
			"Statistics requests that timed out",
			nil,
		),
		HealthTransitionsTotal: registry.RegisterCounter(
			"health_transitions_total",
			"Orchestrator health changes",
			nil,
		),

		Pending: registry.RegisterGauge(
			"pending_tasks",
			"Statistics requests waiting for the compute unit",
			nil,
		),
		HealthState: registry.RegisterGauge(
			"health_state",
			"Orchestrator health (0 healthy, 1 low-memory, 2 fallback)",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the metrics were created",
			nil,
		),

		RoundTripSeconds: registry.RegisterHistogram(
			"stats_round_trip_seconds",
			"Compute unit round-trip time",
			nil,
			DurationBuckets,
		),

		started: time.Now(),
	}
	m.lastHealth.Store(-1)
	return m
}

// Registry returns the underlying registry.
func (m *TypingMetrics) Registry() *Registry {
	return m.registry
}

// KeyProcessed records one key by class.
func (m *TypingMetrics) KeyProcessed(c keystroke.Class) {
	switch c {
	case keystroke.ClassSpecial:
		m.SpecialKeysTotal.Inc()
	case keystroke.ClassBackspace:
		m.BackspacesTotal.Inc()
	default:
		m.KeystrokesTotal.Inc()
	}
}

// EventDropped records a raw event lost to a full queue.
func (m *TypingMetrics) EventDropped() {
	m.DroppedEventsTotal.Inc()
}

// CompositionCompleted records a published composition.
func (m *TypingMetrics) CompositionCompleted() {
	m.CompositionsTotal.Inc()
}

// RoundTrip records a unit round trip. Only successful ones are timed.
func (m *TypingMetrics) RoundTrip(d time.Duration, err error) {
	if err != nil {
		m.StatsErrorsTotal.Inc()
		return
	}
	m.StatsRequestsTotal.Inc()
	m.RoundTripSeconds.ObserveDuration(d)
}

// Timeout records a request that ran out of time.
func (m *TypingMetrics) Timeout() {
	m.UnitTimeoutsTotal.Inc()
}

// FallbackComputed records an in-process computation.
func (m *TypingMetrics) FallbackComputed() {
	m.StatsFallbackTotal.Inc()
}

// HealthChanged sets the health gauge. The first report is not a transition.
func (m *TypingMetrics) HealthChanged(h stats.Health) {
	m.HealthState.Set(int64(h))
	if prev := m.lastHealth.Swap(int64(h)); prev >= 0 && prev != int64(h) {
		m.HealthTransitionsTotal.Inc()
	}
}

// PendingTasks sets the pending gauge.
func (m *TypingMetrics) PendingTasks(n int) {
	m.Pending.Set(int64(n))
}

// ObserveUnitStatus folds a unit self-report into the accelerator error
// counter. A count lower than the last one means the unit restarted.
func (m *TypingMetrics) ObserveUnitStatus(st compute.StatusResult) {
	m.accMu.Lock()
	defer m.accMu.Unlock()

	delta := st.AcceleratorErrors
	if st.AcceleratorErrors >= m.accErrors {
		delta = st.AcceleratorErrors - m.accErrors
	}
	m.accErrors = st.AcceleratorErrors
	m.AcceleratorErrorsTotal.Add(delta)
}

// UpdateUptime refreshes the uptime gauge.
func (m *TypingMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

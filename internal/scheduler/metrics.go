package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricTicksTotal        = "booking_scheduler_ticks_total"
	MetricTickErrors        = "booking_scheduler_tick_errors_total"
	MetricTickDuration      = "booking_scheduler_tick_duration_seconds"
	MetricTransitionsTotal  = "booking_transitions_total"
	MetricLastTickTimestamp = "booking_scheduler_last_tick_timestamp"
	MetricSkippedTicksTotal = "booking_scheduler_skipped_ticks_total"
)

// Transition kinds.
const (
	TransitionStarted  = "started"
	TransitionFinished = "finished"
)

// Metrics contains Prometheus metrics for the transition scheduler.
type Metrics struct {
	ticks        prometheus.Counter
	tickErrors   *prometheus.CounterVec
	tickDuration prometheus.Histogram
	transitions  *prometheus.CounterVec
	lastTick     prometheus.Gauge
	skippedTicks prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricTicksTotal,
			Help: "Total number of completed scheduler ticks",
		}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTickErrors,
			Help: "Total number of scheduler tick errors by stage",
		}, []string{"stage"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricTickDuration,
			Help:    "Histogram of scheduler tick duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTransitionsTotal,
			Help: "Total number of booking live-flag transitions by kind",
		}, []string{"kind"}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricLastTickTimestamp,
			Help: "Unix timestamp of the last completed scheduler tick",
		}),
		skippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSkippedTicksTotal,
			Help: "Total number of ticks skipped because another replica holds the scheduler lock",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ticks,
		m.tickErrors,
		m.tickDuration,
		m.transitions,
		m.lastTick,
		m.skippedTicks,
	}
}

// IncTicks increments the completed tick counter and stamps the last tick time.
func (m *Metrics) IncTicks(at time.Time) {
	m.ticks.Inc()
	m.lastTick.Set(float64(at.Unix()))
}

// IncTickErrors increments the tick error counter for a stage.
func (m *Metrics) IncTickErrors(stage string) {
	m.tickErrors.WithLabelValues(stage).Inc()
}

// ObserveTickDuration records the duration of a tick.
func (m *Metrics) ObserveTickDuration(seconds float64) {
	m.tickDuration.Observe(seconds)
}

// AddTransitions adds n transitions of the given kind.
func (m *Metrics) AddTransitions(kind string, n int) {
	if n > 0 {
		m.transitions.WithLabelValues(kind).Add(float64(n))
	}
}

// IncSkippedTicks increments the skipped tick counter.
func (m *Metrics) IncSkippedTicks() {
	m.skippedTicks.Inc()
}

package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricDelegationAttempts  = "streaming_delegation_attempts_total"
	MetricDelegationResults   = "streaming_delegation_results_total"
	MetricDelegationExhausted = "streaming_delegation_exhausted_total"
	MetricDelegationLatency   = "streaming_delegation_attempt_duration_seconds"
)

// Result labels.
const (
	ResultSuccess   = "success"
	ResultPermanent = "permanent_failure"
	ResultExhausted = "exhausted"
	ResultCancelled = "cancelled"
)

// Metrics contains Prometheus metrics for permission delegation.
type Metrics struct {
	attempts  *prometheus.CounterVec
	results   *prometheus.CounterVec
	exhausted *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDelegationAttempts,
				Help: "Total number of delegation requests sent, by action",
			},
			[]string{"action"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDelegationResults,
				Help: "Total number of finished delegations by action and result",
			},
			[]string{"action", "result"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDelegationExhausted,
				Help: "Total number of delegations abandoned after the retry budget ran out",
			},
			[]string{"action"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricDelegationLatency,
				Help:    "Histogram of single delegation request duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 15.0},
			},
			[]string{"action"},
		),
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
		m.attempts,
		m.results,
		m.exhausted,
		m.latency,
	}
}

package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRealtimeConnections    = "realtime_connections"
	MetricRealtimeDroppedClients = "realtime_dropped_clients_total"
)

// Metrics contains Prometheus metrics for the connection registries.
type Metrics struct {
	connections *prometheus.GaugeVec
	dropped     *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricRealtimeConnections,
				Help: "Number of open real-time connections by registry",
			},
			[]string{"registry"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRealtimeDroppedClients,
				Help: "Total number of clients disconnected because their send queue was full",
			},
			[]string{"registry"},
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
		m.connections,
		m.dropped,
	}
}

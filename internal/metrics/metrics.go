// Package metrics registers the Prometheus instruments exported by the
// registry daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the registry node
type Metrics struct {
	// Registration metrics
	RegistrationsTotal   *prometheus.CounterVec
	RegisteredAgents     prometheus.Gauge
	RegistrationDuration prometheus.Histogram

	// Discovery metrics
	DiscoveriesTotal  *prometheus.CounterVec
	DiscoveryResults  prometheus.Histogram
	DiscoveryDuration prometheus.Histogram

	// Invocation metrics
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	InvocationCost     prometheus.Histogram

	// Reputation metrics
	ReputationEvents *prometheus.CounterVec
	SlashingTotal    prometheus.Counter
	AgentReputation  *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RegistrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_registrations_total",
				Help: "Total number of entry publications processed",
			},
			[]string{"status"}, // status: published, rejected, conflict
		),

		RegisteredAgents: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_registered_agents",
				Help: "Number of distinct agents with a live ledger pointer",
			},
		),

		RegistrationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registry_registration_duration_seconds",
				Help:    "Time to validate, store, and bind an entry",
				Buckets: prometheus.DefBuckets,
			},
		),

		DiscoveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_discoveries_total",
				Help: "Total number of discovery queries served",
			},
			[]string{"status"}, // status: ok, partial, rejected
		),

		DiscoveryResults: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registry_discovery_results",
				Help:    "Number of entries returned per discovery query",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),

		DiscoveryDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registry_discovery_duration_seconds",
				Help:    "End-to-end discovery latency",
				Buckets: prometheus.DefBuckets,
			},
		),

		InvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "utip_invocations_total",
				Help: "Total number of tool calls by outcome",
			},
			[]string{"status"}, // status: completed, failed, denied
		),

		InvocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "utip_invocation_duration_seconds",
				Help:    "Tool call latency including provider execution",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),

		InvocationCost: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "utip_invocation_cost",
				Help:    "Quoted cost per executed call in network currency",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 50, 100},
			},
		),

		ReputationEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_reputation_events_total",
				Help: "Total number of rating submissions recorded",
			},
			[]string{"category"},
		),

		SlashingTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_slashing_total",
				Help: "Total number of slashing incidents applied",
			},
		),

		AgentReputation: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "registry_agent_reputation",
				Help: "Latest overall reputation score per agent",
			},
			[]string{"agent_id"},
		),
	}
}

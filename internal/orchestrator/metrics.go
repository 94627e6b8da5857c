package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus instruments.
type Metrics struct {
	Requests          *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	Iterations        prometheus.Histogram
	ProviderRetries   *prometheus.CounterVec
	ProviderFailovers *prometheus.CounterVec
	ToolDispatches    *prometheus.CounterVec
	PolicyDecisions   *prometheus.CounterVec
}

// NewMetrics registers the orchestrator instruments with reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_requests_total",
			Help: "Orchestration requests by finish reason.",
		}, []string{"finish_reason"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchboard_request_duration_seconds",
			Help:    "Wall-clock duration of orchestration requests.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		Iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchboard_request_iterations",
			Help:    "Tool iterations consumed per request.",
			Buckets: prometheus.LinearBuckets(0, 1, 12),
		}),
		ProviderRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_provider_retries_total",
			Help: "Same-provider retries by provider and reason.",
		}, []string{"provider", "reason"}),
		ProviderFailovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_provider_failovers_total",
			Help: "Chain advances by failed provider and reason.",
		}, []string{"provider", "reason"}),
		ToolDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_tool_dispatches_total",
			Help: "Tool call dispatches by outcome.",
		}, []string{"status"}),
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_policy_decisions_total",
			Help: "Policy decisions by action.",
		}, []string{"action"}),
	}
}

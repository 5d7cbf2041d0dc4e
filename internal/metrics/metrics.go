// Package metrics defines the router's Prometheus instruments. Metric
// names are part of the external interface and must not change.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcp_router"

// Metrics bundles all router instruments registered on one registry.
type Metrics struct {
	Registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	circuitState     *prometheus.GaugeVec
	circuitOpens     *prometheus.CounterVec
	upstreamFailures *prometheus.CounterVec
	upstreamHealth   *prometheus.GaugeVec
	healthChecks     *prometheus.CounterVec
}

// New creates a private registry with all router instruments plus the
// standard process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls forwarded to upstreams, by outcome.",
		}, []string{"server", "tool", "ok"}),
		toolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "End-to-end forwarded tool call duration.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"server", "tool", "ok"}),
		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_circuit_state",
			Help:      "Circuit breaker state per upstream (1 for the active state).",
		}, []string{"server", "state"}),
		circuitOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_circuit_opens_total",
			Help:      "Circuit breaker open transitions per upstream.",
		}, []string{"server"}),
		upstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Transport-level upstream failures.",
		}, []string{"server"}),
		upstreamHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_health",
			Help:      "Last observed health per upstream (1 for the active status).",
		}, []string{"server", "status"}),
		healthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_health_checks_total",
			Help:      "Health check probes per upstream, by outcome.",
		}, []string{"server", "ok"}),
	}
}

// ObserveToolCall records one forwarded tool call.
func (m *Metrics) ObserveToolCall(server, toolName string, ok bool, d time.Duration) {
	okLabel := strconv.FormatBool(ok)
	m.toolCalls.WithLabelValues(server, toolName, okLabel).Inc()
	m.toolCallDuration.WithLabelValues(server, toolName, okLabel).Observe(d.Seconds())
}

// SetCircuitState publishes the breaker state for an upstream. Exactly one
// state label holds 1 at a time.
func (m *Metrics) SetCircuitState(server, state string) {
	for _, s := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.circuitState.WithLabelValues(server, s).Set(v)
	}
}

// CircuitOpened counts an open transition.
func (m *Metrics) CircuitOpened(server string) {
	m.circuitOpens.WithLabelValues(server).Inc()
}

// UpstreamFailure counts a transport-level failure.
func (m *Metrics) UpstreamFailure(server string) {
	m.upstreamFailures.WithLabelValues(server).Inc()
}

// SetUpstreamHealth publishes the probe status for an upstream.
func (m *Metrics) SetUpstreamHealth(server, status string) {
	for _, s := range []string{"ok", "unhealthy", "unknown"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.upstreamHealth.WithLabelValues(server, s).Set(v)
	}
}

// HealthCheck counts one probe.
func (m *Metrics) HealthCheck(server string, ok bool) {
	m.healthChecks.WithLabelValues(server, strconv.FormatBool(ok)).Inc()
}

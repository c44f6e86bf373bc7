// Package metrics instruments the PPP link engine with Prometheus
// counters and gauges, trimmed from the teacher's pkg/metrics/metrics.go
// to the groups a link-state core actually produces: sessions by phase,
// CP-FSM restart-timer exhaustions, frame decode errors by kind, and
// RADIUS accounting delivery. The DHCP/NAT/BGP/eBPF/QoS/routing/
// subscriber groups the teacher also exposes have no counterpart here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector this module registers.
type Metrics struct {
	sessionsByPhase *prometheus.GaugeVec
	sessionTotal    *prometheus.CounterVec
	sessionDuration prometheus.Histogram

	restartExhaustions *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	protocolRejects    *prometheus.CounterVec
	codeRejects        *prometheus.CounterVec

	authResults *prometheus.CounterVec

	radiusRequests *prometheus.CounterVec
	radiusLatency  *prometheus.HistogramVec
	radiusDropped  prometheus.Counter

	logger *zap.Logger
}

// New builds a Metrics instance. logger may be nil.
func New(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		logger: logger,

		sessionsByPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ppplink_sessions_by_phase",
				Help: "Number of active links in each RFC 1661 phase",
			},
			[]string{"phase"},
		),

		sessionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppplink_sessions_total",
				Help: "Total links by terminal outcome",
			},
			[]string{"outcome"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ppplink_session_duration_seconds",
				Help:    "Session duration from Network phase entry to session teardown",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800, 43200, 86400},
			},
		),

		restartExhaustions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppplink_cpfsm_restart_exhaustions_total",
				Help: "Total CP-FSM restart-counter exhaustions (Finished via tlf) by protocol",
			},
			[]string{"protocol"},
		),

		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppplink_decode_errors_total",
				Help: "Total frame decode errors by kind",
			},
			[]string{"kind"},
		),

		protocolRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppplink_protocol_rejects_total",
				Help: "Total LCP Protocol-Reject frames emitted, by rejected protocol number",
			},
			[]string{"protocol"},
		),

		codeRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppplink_code_rejects_total",
				Help: "Total CP Code-Reject frames emitted, by CP protocol",
			},
			[]string{"protocol"},
		),

		authResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppplink_auth_results_total",
				Help: "Total authentication outcomes by direction and result",
			},
			[]string{"direction", "result"},
		),

		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ppplink_radius_accounting_requests_total",
				Help: "Total RADIUS Accounting-Request attempts by kind and result",
			},
			[]string{"kind", "result"},
		),

		radiusLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ppplink_radius_accounting_latency_seconds",
				Help:    "RADIUS accounting round-trip latency",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),

		radiusDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ppplink_radius_accounting_dropped_total",
				Help: "Total accounting records dropped (queue full or retries exhausted)",
			},
		),
	}
}

// Register registers every collector with the default Prometheus
// registry, ignoring AlreadyRegisteredError so repeated calls (e.g. in
// tests) are harmless.
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.sessionsByPhase,
		m.sessionTotal,
		m.sessionDuration,
		m.restartExhaustions,
		m.decodeErrors,
		m.protocolRejects,
		m.codeRejects,
		m.authResults,
		m.radiusRequests,
		m.radiusLatency,
		m.radiusDropped,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the Prometheus scrape HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// SetSessionsByPhase sets the active-link gauge for one phase.
func (m *Metrics) SetSessionsByPhase(phase string, count int) {
	m.sessionsByPhase.WithLabelValues(phase).Set(float64(count))
}

// RecordSessionTerminated records one link's terminal outcome and, if
// it ever reached the Network phase, its session duration.
func (m *Metrics) RecordSessionTerminated(outcome string, durationSeconds float64) {
	m.sessionTotal.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		m.sessionDuration.Observe(durationSeconds)
	}
}

// RecordRestartExhaustion records a CP-FSM's restart counter reaching
// zero (spec §8 Scenario F).
func (m *Metrics) RecordRestartExhaustion(protocol string) {
	m.restartExhaustions.WithLabelValues(protocol).Inc()
}

// RecordDecodeError records a frame decode failure by kind (spec §7).
func (m *Metrics) RecordDecodeError(kind string) {
	m.decodeErrors.WithLabelValues(kind).Inc()
}

// RecordProtocolReject records an emitted LCP Protocol-Reject (spec §7
// kind 2, Scenario C).
func (m *Metrics) RecordProtocolReject(protocol string) {
	m.protocolRejects.WithLabelValues(protocol).Inc()
}

// RecordCodeReject records an emitted CP Code-Reject (spec §7 kind 3).
func (m *Metrics) RecordCodeReject(protocol string) {
	m.codeRejects.WithLabelValues(protocol).Inc()
}

// RecordAuthResult records one direction's authentication outcome.
func (m *Metrics) RecordAuthResult(direction, result string) {
	m.authResults.WithLabelValues(direction, result).Inc()
}

// RecordRADIUSRequest records one Accounting-Request attempt.
func (m *Metrics) RecordRADIUSRequest(kind, result string, latencySeconds float64) {
	m.radiusRequests.WithLabelValues(kind, result).Inc()
	m.radiusLatency.WithLabelValues(kind).Observe(latencySeconds)
}

// RecordRADIUSDropped records an accounting record dropped by the sink.
func (m *Metrics) RecordRADIUSDropped() {
	m.radiusDropped.Inc()
}

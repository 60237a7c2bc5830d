package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Check outcomes per category (pass, fail, error).
	ChecksTotal *prometheus.CounterVec

	// Overall verdict of assembled reports.
	ReportsTotal *prometheus.CounterVec

	// Fix outcomes per category and label.
	FixesTotal *prometheus.CounterVec

	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec

	// 0 closed, 1 half-open, 2 open.
	CircuitBreakerState prometheus.Gauge

	EvidenceRecords       *prometheus.CounterVec
	EvidencePersistErrors prometheus.Counter
}

// New registers the collectors on reg. A nil reg gets a private registry so
// callers and tests never have to nil-check the result.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcompliance_checks_total",
			Help: "Compliance checks by category and status.",
		}, []string{"category", "status"}),

		ReportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcompliance_reports_total",
			Help: "Compliance reports by overall status.",
		}, []string{"overall_status"}),

		FixesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcompliance_fixes_total",
			Help: "Remediation outcomes by category and label.",
		}, []string{"category", "outcome"}),

		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcompliance_upstream_requests_total",
			Help: "Management API requests by operation and status code.",
		}, []string{"op", "code"}),

		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbcompliance_upstream_request_duration_seconds",
			Help:    "Management API request latency.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),

		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "sbcompliance_circuit_breaker_state",
			Help: "Management API circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		EvidenceRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sbcompliance_evidence_records_total",
			Help: "Evidence records by status.",
		}, []string{"status"}),

		EvidencePersistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "sbcompliance_evidence_persist_errors_total",
			Help: "Evidence records that could not be written to disk.",
		}),
	}
}

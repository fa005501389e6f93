// Package telemetry registers the process's Prometheus metrics and
// provides tracing span helpers for the orchestrator pipeline. Exposition
// (the HTTP /metrics endpoint) stays out of core scope per spec.md §1;
// this package only registers and increments.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics groups the query-handling counters/histograms, labeled by database,
// outcome and violation code. No other package in this module references them.
type Metrics struct {
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	PolicyDenials     *prometheus.CounterVec
	RateLimitDenials  prometheus.Counter
	SchemaRefreshes   prometheus.Counter
	AuditDrops        prometheus.Counter
}

// NewMetrics registers every collector against reg, matching the
// registration pattern in jordigilh-kubernaut's metrics setup: one
// constructor, one registry, fatal only on a duplicate-registration bug.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmcp_queries_total",
			Help: "Total natural-language queries processed, labeled by outcome.",
		}, []string{"database", "outcome"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgmcp_query_duration_seconds",
			Help:    "End-to-end query handling latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"database"}),
		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmcp_policy_denials_total",
			Help: "Access policy denials, labeled by violation code.",
		}, []string{"database", "code"}),
		RateLimitDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgmcp_rate_limit_denials_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		SchemaRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgmcp_schema_refreshes_total",
			Help: "Schema cache refresh operations performed.",
		}),
		AuditDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgmcp_audit_events_dropped_total",
			Help: "Audit events dropped by the ring-buffer sink on overflow.",
		}),
	}
	reg.MustRegister(m.QueriesTotal, m.QueryDuration, m.PolicyDenials,
		m.RateLimitDenials, m.SchemaRefreshes, m.AuditDrops)
	return m
}

var tracer = otel.Tracer("pgmcp")

// StartSpan opens a span for one orchestrator stage, matching the teacher's
// absence of tracing (the teacher has none) generalized from
// jordigilh-kubernaut's otel usage.
func StartSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, stage)
}

// Package telemetry provides the broker's dependency-injected metrics
// recorder and tracer, wrapping prometheus/client_golang counters and
// histograms and an OpenTelemetry tracer. Components take a *Recorder
// (never a package-level global) and fall back to NewNop() in tests,
// per design note §9 "Global singletons for metrics/telemetry → a
// dependency-injected recorder", grounded in the teacher's
// internal/policy metrics (promauto vecs) generalized away from
// package globals.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Recorder is injected into the components that emit metrics or
// spans: the orchestrator and the policy engine.
type Recorder struct {
	proposalsTotal        *prometheus.CounterVec
	approvalsCreatedTotal *prometheus.CounterVec
	approvalsRespondedTotal *prometheus.CounterVec
	executionsTotal       *prometheus.CounterVec
	auditAppendedTotal    prometheus.Counter

	policyEvalMs *prometheus.HistogramVec
	executeMs    *prometheus.HistogramVec
	queueWaitMs  prometheus.Histogram

	tracer trace.Tracer
}

// New registers the broker's metric families against reg (pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry, or prometheus.DefaultRegisterer in
// production) and resolves a tracer from the globally configured
// OpenTelemetry TracerProvider.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		proposalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_proposals_total",
			Help: "Total proposals evaluated, by outcome.",
		}, []string{"outcome"}),
		approvalsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_approvals_created_total",
			Help: "Total approval requests created, by required level.",
		}, []string{"level"}),
		approvalsRespondedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_approvals_responded_total",
			Help: "Total approval responses processed, by action.",
		}, []string{"action"}),
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_executions_total",
			Help: "Total cartridge executions, by success.",
		}, []string{"success"}),
		auditAppendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_audit_appended_total",
			Help: "Total audit entries appended to the ledger.",
		}),
		policyEvalMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_policy_eval_ms",
			Help:    "Policy evaluation latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"decision"}),
		executeMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_execute_ms",
			Help:    "Cartridge execute latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"cartridge_id"}),
		queueWaitMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_queue_wait_ms",
			Help:    "Time a job spends enqueued before an execution attempt starts.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		tracer: otel.Tracer("github.com/execguard/broker"),
	}
}

// NewNop returns a Recorder backed by a private registry, safe to use
// in tests and anywhere metrics aren't wired up — never nil-check a
// Recorder in component code.
func NewNop() *Recorder {
	return New(prometheus.NewRegistry())
}

func (r *Recorder) ProposalOutcome(outcome string) {
	r.proposalsTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ApprovalCreated(level string) {
	r.approvalsCreatedTotal.WithLabelValues(level).Inc()
}

func (r *Recorder) ApprovalResponded(action string) {
	r.approvalsRespondedTotal.WithLabelValues(action).Inc()
}

func (r *Recorder) Execution(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	r.executionsTotal.WithLabelValues(label).Inc()
}

func (r *Recorder) AuditAppended() {
	r.auditAppendedTotal.Inc()
}

func (r *Recorder) ObservePolicyEvalMs(decision string, ms float64) {
	r.policyEvalMs.WithLabelValues(decision).Observe(ms)
}

func (r *Recorder) ObserveExecuteMs(cartridgeID string, ms float64) {
	r.executeMs.WithLabelValues(cartridgeID).Observe(ms)
}

func (r *Recorder) ObserveQueueWaitMs(ms float64) {
	r.queueWaitMs.Observe(ms)
}

// StartSpan opens a child span named name under the tracer context in
// ctx. The orchestrator opens one per public operation; policy eval,
// risk scoring, cartridge execute and audit append open no child spans
// of their own.
func (r *Recorder) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name)
}

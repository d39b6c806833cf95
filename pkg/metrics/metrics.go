// Package metrics exposes the approval distribution core's Prometheus
// metrics. Every counter/gauge/histogram is created once at construction and
// handed to the subsystems that need it; nothing in this package touches
// global state, so tests can register independent Metrics instances against
// independent registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every series the core publishes. The store (BlocksTracked)
// and the dispatcher (CheckCanceled) hold a reference to it, and
// cmd/approvaldistd updates ReputationChanges from the reporter's hook; the
// other series are registered but not updated by any package in this module.
type Metrics struct {
	AssignmentsImported prometheus.Counter
	ApprovalsImported   prometheus.Counter
	MessagesSent        *prometheus.CounterVec // labeled by "kind": assignment|approval
	DuplicateMessages   prometheus.Counter
	UnexpectedMessages  prometheus.Counter

	ReputationChanges *prometheus.CounterVec // labeled by "code"

	PipelineQueueDepth prometheus.Gauge
	PipelineInFlight   prometheus.Gauge
	CheckCanceled      prometheus.Counter

	BlocksTracked   prometheus.Gauge
	AggressionLevel prometheus.Gauge // 0, 1, or 2
	AggressionSpan  prometheus.Gauge

	RandomRoutingSends prometheus.Counter

	UnifyDuration prometheus.Histogram
}

// New registers every series against reg and returns the bundle. Panics if
// the registry already holds a metric with a colliding name -- this mirrors
// client_golang's own MustRegister semantics and is only ever called once
// per process (or once per test, against a fresh registry).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AssignmentsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "approvaldist",
			Name:      "assignments_imported_total",
			Help:      "Assignments that passed verification and were imported.",
		}),
		ApprovalsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "approvaldist",
			Name:      "approvals_imported_total",
			Help:      "Approvals that passed verification and were imported.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvaldist",
			Name:      "messages_sent_total",
			Help:      "Messages handed to the network bridge, by kind.",
		}, []string{"kind"}),
		DuplicateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "approvaldist",
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages that repeated a subject/kind we already had from that peer.",
		}),
		UnexpectedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "approvaldist",
			Name:      "unexpected_messages_total",
			Help:      "Inbound messages outside our view, or approvals without a prior assignment.",
		}),
		ReputationChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvaldist",
			Name:      "reputation_changes_total",
			Help:      "Reputation changes reported to the network bridge, by code.",
		}, []string{"code"}),
		PipelineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "approvaldist",
			Name:      "pipeline_queue_depth",
			Help:      "Sum of queued (not yet checking) messages across all subjects.",
		}),
		PipelineInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "approvaldist",
			Name:      "pipeline_in_flight",
			Help:      "Number of subjects with a verification currently outstanding.",
		}),
		CheckCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "approvaldist",
			Name:      "check_canceled_total",
			Help:      "PendingCheckCanceled events (verifier reply channel dropped).",
		}),
		BlocksTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "approvaldist",
			Name:      "blocks_tracked",
			Help:      "Unfinalized blocks currently held in the store.",
		}),
		AggressionLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "approvaldist",
			Name:      "aggression_level",
			Help:      "Current aggression level (0, 1, or 2) applied to the oldest unfinalized block.",
		}),
		AggressionSpan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "approvaldist",
			Name:      "aggression_span",
			Help:      "max_block_number - min_block_number across the tracked store.",
		}),
		RandomRoutingSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "approvaldist",
			Name:      "random_routing_sends_total",
			Help:      "Messages routed to a peer solely because the random-routing sampler fired.",
		}),
		UnifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "approvaldist",
			Name:      "unify_with_peer_duration_seconds",
			Help:      "Time spent walking a peer's view during unify_with_peer.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.AssignmentsImported,
		m.ApprovalsImported,
		m.MessagesSent,
		m.DuplicateMessages,
		m.UnexpectedMessages,
		m.ReputationChanges,
		m.PipelineQueueDepth,
		m.PipelineInFlight,
		m.CheckCanceled,
		m.BlocksTracked,
		m.AggressionLevel,
		m.AggressionSpan,
		m.RandomRoutingSends,
		m.UnifyDuration,
	)
	return m
}

// NewForTesting returns a Metrics bundle registered against a fresh,
// private registry so concurrent tests never collide on metric names.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}

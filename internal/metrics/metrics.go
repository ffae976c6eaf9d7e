// Package metrics provides Prometheus instrumentation for message routing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InboundEventsTotal counts inbound webhook events by platform and kind.
	InboundEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_inbound_events_total",
			Help: "Inbound platform events handled",
		},
		[]string{"platform", "kind"},
	)

	// DuplicateEventsTotal counts redelivered inbound messages that were skipped.
	DuplicateEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_duplicate_events_total",
			Help: "Redelivered inbound messages skipped by the ledger",
		},
		[]string{"platform"},
	)

	// OutboundTotal counts outbound delivery attempts by platform and outcome.
	OutboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_outbound_total",
			Help: "Outbound delivery attempts",
		},
		[]string{"platform", "outcome"},
	)

	// DialogueDuration tracks dialogue engine round trips.
	DialogueDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_dialogue_duration_seconds",
			Help:    "Dialogue engine request duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"outcome"},
	)

	// HandoffsTotal counts ownership changes by direction (to_human, to_bot).
	HandoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_handoffs_total",
			Help: "Conversation ownership changes",
		},
		[]string{"direction", "trigger"},
	)

	// IdentityMergesTotal counts conversations absorbed by identity binding.
	IdentityMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_identity_merges_total",
			Help: "Conversations merged by customer identity binding",
		},
	)

	// TasksTotal counts queue task results by kind and result.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_tasks_total",
			Help: "Queue tasks processed",
		},
		[]string{"kind", "result"},
	)
)

// RecordInbound records an inbound event.
func RecordInbound(platform, kind string) {
	InboundEventsTotal.WithLabelValues(platform, kind).Inc()
}

// RecordDuplicate records a skipped redelivery.
func RecordDuplicate(platform string) {
	DuplicateEventsTotal.WithLabelValues(platform).Inc()
}

// RecordOutbound records an outbound attempt outcome: delivered, failed,
// no_eligible_channel or no_adapter.
func RecordOutbound(platform, outcome string) {
	OutboundTotal.WithLabelValues(platform, outcome).Inc()
}

// RecordDialogue records a dialogue engine call.
func RecordDialogue(outcome string, d time.Duration) {
	DialogueDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordHandoff records an ownership change.
func RecordHandoff(direction, trigger string) {
	HandoffsTotal.WithLabelValues(direction, trigger).Inc()
}

// RecordTask records a processed queue task.
func RecordTask(kind, result string) {
	TasksTotal.WithLabelValues(kind, result).Inc()
}

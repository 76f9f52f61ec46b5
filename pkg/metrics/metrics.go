// Package metrics defines the Prometheus collectors exported at
// /metrics. All collectors are registered on the default registry at
// package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsStarted counts root executions accepted via the API.
	ExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_executions_started_total",
		Help: "Root executions started.",
	})

	// ExecutionsFinished counts terminal executions by final status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_executions_finished_total",
		Help: "Executions reaching a terminal status.",
	}, []string{"status"})

	// ExecutionsCancelled counts cancel requests that took effect.
	ExecutionsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_executions_cancelled_total",
		Help: "Executions cancelled.",
	})

	// BrokerDecisions counts scheduler decisions.
	BrokerDecisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_broker_decisions_total",
		Help: "Scheduler decisions taken.",
	})

	// EventsAppended counts events written to the log by type.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_events_appended_total",
		Help: "Events appended to the event log.",
	}, []string{"event_type"})

	// QueueDepth reports the number of queue entries per status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maestro_queue_depth",
		Help: "Queue entries by status.",
	}, []string{"status"})

	// QueueReaped counts lease reaps by outcome (requeued or dead).
	QueueReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_queue_reaped_total",
		Help: "Expired leases reclaimed.",
	}, []string{"outcome"})

	// ActionsExecuted counts worker action invocations by kind and
	// outcome.
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_actions_executed_total",
		Help: "Action invocations by kind and outcome.",
	}, []string{"kind", "outcome"})

	// ActionDuration observes action execution time by kind.
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maestro_action_duration_seconds",
		Help:    "Action execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind"})

	// WorkerLeases counts queue entries leased by this worker.
	WorkerLeases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maestro_worker_leases_total",
		Help: "Queue entries leased.",
	})

	// APIRequests counts control-plane requests by route and code.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maestro_api_requests_total",
		Help: "HTTP API requests by route and status code.",
	}, []string{"route", "code"})
)

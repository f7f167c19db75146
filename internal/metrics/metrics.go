// Package metrics exposes prometheus instrumentation for the agent pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsCaptured counts activity events accepted from probes
	EventsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_events_captured_total",
		Help: "Activity events stored from capture probes",
	})

	// EventsEvicted counts raw events dropped by quota eviction
	EventsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_events_evicted_total",
		Help: "Raw events evicted by the store quota",
	})

	// SessionsAggregated counts sessions produced by the aggregator
	SessionsAggregated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_sessions_aggregated_total",
		Help: "Aggregated sessions produced",
	})

	// SyncAttempts counts outbound sync batch attempts by outcome
	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_sync_attempts_total",
		Help: "Sync delivery attempts by outcome",
	}, []string{"outcome"})

	// DeadLetterDepth tracks the current dead-letter queue depth
	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_dead_letter_depth",
		Help: "Sessions parked in the dead-letter queue",
	})

	// QueueDrained counts dead-letter items delivered by the drain cycle
	QueueDrained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_queue_drained_total",
		Help: "Dead-letter queue items successfully delivered",
	})
)

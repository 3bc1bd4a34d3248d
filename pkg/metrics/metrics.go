// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested counts inbound messages accepted by the router,
	// labeled by delivery path.
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_ingested_total",
			Help: "Inbound messages accepted by the ingestion router",
		},
		[]string{"source"},
	)

	// MessagesDuplicate counts messages discarded at the dedup gate.
	MessagesDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_duplicate_total",
			Help: "Inbound messages discarded as duplicates",
		},
	)

	// RepliesGenerated counts generated replies by outcome
	// ("completion" or "fallback").
	RepliesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_replies_generated_total",
			Help: "Automated replies produced",
		},
		[]string{"outcome"},
	)

	// DeliveriesTotal counts reply send attempts handed to the transport.
	DeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Outbound deliveries enqueued on the transport",
		},
	)

	// DeliveryRetries counts resends triggered by an expired acknowledgement.
	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_retries_total",
			Help: "Outbound delivery retries after a failed acknowledgement",
		},
	)

	// SessionsActive tracks registered tenant sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Tenant sessions currently registered",
		},
	)

	// StoreDegraded is 1 while the persistence facade serves from memory.
	StoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_store_degraded",
			Help: "Whether the persistence facade is in degraded mode",
		},
	)

	// SweepsTotal counts completed polling sweeps.
	SweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_sweeps_total",
			Help: "Completed polling sweeps",
		},
	)

	// SweepRecovered counts messages the sweeper recovered that the push
	// path had missed.
	SweepRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_sweep_recovered_total",
			Help: "Messages recovered by the polling sweeper",
		},
	)
)

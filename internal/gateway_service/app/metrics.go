package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboundMessagesProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "inbound_messages_processed_total",
			Help:      "Total inbound message units processed.",
		},
		[]string{"kind", "status"}, // status: "ok", "duplicate", "error", "skipped"
	)

	statusTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "status_transitions_total",
			Help:      "Total delivery status transitions applied.",
		},
		[]string{"new_status", "outcome"}, // outcome: "applied", "dropped", "orphan"
	)

	outboundSendsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "outbound_sends_total",
			Help:      "Total outbound send attempts.",
		},
		[]string{"provider_name", "payload_kind", "status"},
	)

	attachmentFetchFailuresCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "attachment_fetch_failures_total",
			Help:      "Total failures resolving or downloading inbound media.",
		},
	)
)

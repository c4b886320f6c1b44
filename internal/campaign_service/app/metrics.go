package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	campaignMessagesDispatchedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campaign",
			Name:      "messages_dispatched_total",
			Help:      "Total campaign messages dispatched to the provider.",
		},
		[]string{"status"}, // "sent", "failed"
	)

	campaignBatchesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campaign",
			Name:      "batches_total",
			Help:      "Total campaign batch runs.",
		},
		[]string{"outcome"}, // "dispatched", "completed", "skipped", "error"
	)

	campaignBatchDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campaign",
			Name:      "batch_duration_seconds",
			Help:      "Duration of campaign batch runs.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	campaignStatusUpdatesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "campaign",
			Name:      "status_updates_total",
			Help:      "Total delivery status updates correlated onto campaign messages.",
		},
		[]string{"new_state", "outcome"}, // outcome: "applied", "dropped", "unmatched"
	)
)

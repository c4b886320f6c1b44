package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	assignmentsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "assignments_total",
			Help:      "Total conversation assignment decisions.",
		},
		[]string{"method", "outcome"}, // outcome: "assigned", "waiting"
	)

	transfersCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "transfers_total",
			Help:      "Total conversation transfers.",
		},
	)

	autoOfflineCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agent",
			Name:      "auto_offline_total",
			Help:      "Total agents flipped offline by the inactivity sweep.",
		},
	)
)

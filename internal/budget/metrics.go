package budget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// escalations counts jobs handed to humans.
	// Labels: reason
	escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issuepilot",
			Subsystem: "budget",
			Name:      "escalations_total",
			Help:      "Total number of jobs escalated to a human",
		},
		[]string{"reason"},
	)

	// overrides counts human-triggered retries.
	overrides = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "issuepilot",
			Subsystem: "budget",
			Name:      "human_overrides_total",
			Help:      "Total number of human overrides recorded",
		},
	)
)

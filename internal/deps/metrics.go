package deps

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cyclesDetected counts chain resolutions that found a cycle.
	cyclesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "issuepilot",
			Subsystem: "deps",
			Name:      "cycles_detected_total",
			Help:      "Total number of blocker chain resolutions that found a cycle",
		},
	)

	// forcedBreaks counts ids forced into a topological order to break a cycle.
	forcedBreaks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "issuepilot",
			Subsystem: "deps",
			Name:      "forced_cycle_breaks_total",
			Help:      "Total number of ids forced into topological order to break a cycle",
		},
	)
)

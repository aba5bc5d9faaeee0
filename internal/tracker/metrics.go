package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issuepilot",
			Subsystem: "github",
			Name:      "api_calls_total",
			Help:      "GitHub API calls by operation and HTTP status",
		},
		[]string{"op", "status"},
	)

	checkWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "issuepilot",
			Subsystem: "github",
			Name:      "check_wait_seconds",
			Help:      "Time spent waiting for CI by result",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"result"},
	)
)

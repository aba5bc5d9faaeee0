package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "issuepilot",
		Subsystem: "engine",
		Name:      "jobs_running",
		Help:      "Jobs currently inside the phase pipeline.",
	})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "engine",
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal status.",
	}, []string{"status"})

	attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "engine",
		Name:      "attempts_total",
		Help:      "Implementation attempts by outcome.",
	}, []string{"outcome"})

	reviewsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "engine",
		Name:      "reviews_skipped_total",
		Help:      "Reviews skipped because the reviewer could not run.",
	})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "issuepilot",
		Subsystem: "engine",
		Name:      "phase_duration_seconds",
		Help:      "Time spent in each phase.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"phase"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "issuepilot",
		Subsystem: "engine",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a job run from start to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
	})
)

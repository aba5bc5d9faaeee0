package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "admission",
		Name:      "cycles_total",
		Help:      "Total number of admission cycles run while enabled",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "issuepilot",
		Subsystem: "admission",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of admission cycles",
		Buckets:   prometheus.DefBuckets,
	})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "issuepilot",
		Subsystem: "admission",
		Name:      "transitions_total",
		Help:      "Admission decisions by resulting state",
	}, []string{"to"})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "issuepilot",
		Subsystem: "admission",
		Name:      "active_jobs",
		Help:      "Jobs dispatched or in progress at the end of the last cycle",
	})

	admissionEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "issuepilot",
		Subsystem: "admission",
		Name:      "enabled",
		Help:      "1 when admission is enabled",
	})
)

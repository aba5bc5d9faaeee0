package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/issuepilot/internal/workflows"

var (
	dispatchCounter  metric.Int64Counter
	runDuration      metric.Float64Histogram
	runErrorCounter  metric.Int64Counter
	activeRunCounter metric.Int64UpDownCounter
)

func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error
	dispatchCounter, err = meter.Int64Counter(
		"issuepilot.workflows.dispatches",
		metric.WithDescription("Jobs handed to a worker"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create dispatch counter: %v", err))
	}

	runDuration, err = meter.Float64Histogram(
		"issuepilot.workflows.run.duration",
		metric.WithDescription("Wall time of one job run on a worker"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run duration: %v", err))
	}

	runErrorCounter, err = meter.Int64Counter(
		"issuepilot.workflows.run.errors",
		metric.WithDescription("Job runs that returned an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run error counter: %v", err))
	}

	activeRunCounter, err = meter.Int64UpDownCounter(
		"issuepilot.workflows.run.active",
		metric.WithDescription("Job runs in flight on this process"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create active run counter: %v", err))
	}
}

func init() {
	initMetrics()
}

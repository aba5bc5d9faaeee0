// Package workflows hands admitted jobs to workers.
//
// LocalDispatcher runs each job on a goroutine in the serving process.
// TemporalDispatcher starts one Temporal workflow per job so that a pool of
// workers can share the load; the workflow runs a single activity that calls
// the engine. Neither retries a job: the engine owns iteration budgets.
package workflows

import (
	"context"
)

// Runner drives one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, id int64) error
}

package workflows

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// LocalDispatcher runs admitted jobs on goroutines.
type LocalDispatcher struct {
	base   context.Context
	runner Runner
	logger *logging.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[int64]struct{}
}

// NewLocalDispatcher returns a dispatcher whose runs live under base.
// Cancelling base interrupts every run.
func NewLocalDispatcher(base context.Context, runner Runner, logger *logging.Logger) *LocalDispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LocalDispatcher{
		base:   base,
		runner: runner,
		logger: logger.Named("dispatcher"),
		active: make(map[int64]struct{}),
	}
}

// Dispatch starts j in the background. A job that is already running here
// is ignored.
func (d *LocalDispatcher) Dispatch(ctx context.Context, j *job.Job) error {
	d.mu.Lock()
	if _, ok := d.active[j.ID]; ok {
		d.mu.Unlock()
		d.logger.Debug(ctx, "job already running", zap.Int64("job_id", j.ID))
		return nil
	}
	d.active[j.ID] = struct{}{}
	d.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("dispatcher", "local"))
	dispatchCounter.Add(ctx, 1, attrs)
	activeRunCounter.Add(ctx, 1, attrs)

	d.wg.Add(1)
	go func(id int64) {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.active, id)
			d.mu.Unlock()
			activeRunCounter.Add(d.base, -1, attrs)
		}()

		start := time.Now()
		err := d.runner.Run(d.base, id)
		runDuration.Record(d.base, time.Since(start).Seconds(), attrs)
		if err != nil {
			runErrorCounter.Add(d.base, 1, attrs)
			d.logger.Error(d.base, "job run failed", zap.Int64("job_id", id), zap.Error(err))
			return
		}
		d.logger.Debug(d.base, "job run finished", zap.Int64("job_id", id), zap.Duration("elapsed", time.Since(start)))
	}(j.ID)
	return nil
}

// Active returns the ids of jobs running here, sorted.
func (d *LocalDispatcher) Active() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Wait blocks until every run has returned or ctx is done.
func (d *LocalDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

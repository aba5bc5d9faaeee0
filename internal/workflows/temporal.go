package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// DefaultRunTimeout bounds one job run on a worker.
const DefaultRunTimeout = 6 * time.Hour

// ProcessJobInput identifies the job a workflow processes.
type ProcessJobInput struct {
	JobID int64
	Repo  string
	Issue int
	// Timeout bounds the activity. Zero means DefaultRunTimeout.
	Timeout time.Duration
}

// WorkflowID is the Temporal workflow id of a job. Starting a workflow
// whose id is already running returns the running execution.
func WorkflowID(jobID int64) string {
	return fmt.Sprintf("issuepilot-job-%d", jobID)
}

// ProcessJobWorkflow runs ProcessJob exactly once.
func ProcessJobWorkflow(ctx workflow.Context, in ProcessJobInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Processing job", "job_id", in.JobID, "repo", in.Repo, "issue", in.Issue)

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.ProcessJob, in).Get(ctx, nil); err != nil {
		logger.Error("Job run failed", "job_id", in.JobID, "error", err)
		return err
	}
	return nil
}

// Activities binds the engine to Temporal activities.
type Activities struct {
	Runner Runner
}

// ProcessJob runs the engine on one job.
func (a *Activities) ProcessJob(ctx context.Context, in ProcessJobInput) error {
	attrs := metric.WithAttributes(attribute.String("dispatcher", "temporal"))
	activeRunCounter.Add(ctx, 1, attrs)
	defer activeRunCounter.Add(ctx, -1, attrs)

	activity.GetLogger(ctx).Info("Running job", "job_id", in.JobID)
	start := time.Now()
	err := a.Runner.Run(ctx, in.JobID)
	runDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		runErrorCounter.Add(ctx, 1, attrs)
		return temporal.NewNonRetryableApplicationError(err.Error(), "JobRunError", err)
	}
	return nil
}

// Registry is satisfied by worker.Worker and the Temporal test environment.
type Registry interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

var _ Registry = worker.Worker(nil)

// RegisterWorker registers the job workflow and its activity on w.
func RegisterWorker(w Registry, runner Runner) {
	w.RegisterWorkflow(ProcessJobWorkflow)
	w.RegisterActivity(&Activities{Runner: runner})
}

// WorkflowStarter is the part of client.Client the dispatcher uses.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// TemporalDispatcher starts one workflow per admitted job.
type TemporalDispatcher struct {
	client    WorkflowStarter
	taskQueue string
	timeout   time.Duration
	logger    *logging.Logger
}

// NewTemporalDispatcher returns a dispatcher on taskQueue. runTimeout
// bounds each job run; zero means DefaultRunTimeout.
func NewTemporalDispatcher(c WorkflowStarter, taskQueue string, runTimeout time.Duration, logger *logging.Logger) *TemporalDispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TemporalDispatcher{client: c, taskQueue: taskQueue, timeout: runTimeout, logger: logger.Named("dispatcher")}
}

// Dispatch starts the job's workflow.
func (d *TemporalDispatcher) Dispatch(ctx context.Context, j *job.Job) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(j.ID),
		TaskQueue: d.taskQueue,
	}
	run, err := d.client.ExecuteWorkflow(ctx, opts, ProcessJobWorkflow, ProcessJobInput{
		JobID:   j.ID,
		Repo:    j.Repo.String(),
		Issue:   j.ExternalID,
		Timeout: d.timeout,
	})
	if err != nil {
		return fmt.Errorf("start workflow for job %d: %w", j.ID, err)
	}
	dispatchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("dispatcher", "temporal")))
	d.logger.Info(ctx, "workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()))
	return nil
}

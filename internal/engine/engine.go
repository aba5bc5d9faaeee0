package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/budget"
	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/deps"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
	"github.com/fyrsmithlabs/issuepilot/internal/notify"
	"github.com/fyrsmithlabs/issuepilot/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/issuepilot/internal/engine"

// ReviewInfraPolicy decides what happens when the reviewer cannot run.
type ReviewInfraPolicy string

const (
	// ReviewInfraPassThrough proceeds to completion unreviewed, loudly.
	ReviewInfraPassThrough ReviewInfraPolicy = "pass_through"
	// ReviewInfraAwaitApproval proceeds but never auto-finalizes.
	ReviewInfraAwaitApproval ReviewInfraPolicy = "await_approval"
	// ReviewInfraFail escalates the job.
	ReviewInfraFail ReviewInfraPolicy = "fail"
)

// Timeouts bound each blocking collaborator call. Zero means no timeout.
type Timeouts struct {
	Setup      time.Duration
	Generation time.Duration
	Checks     time.Duration
	Review     time.Duration
	Tracker    time.Duration
}

// Labels are the tracker labels the engine manages.
type Labels struct {
	InProgress string
	// Candidate is removed when a job completes so the issue is not picked
	// up again unless someone re-labels it.
	Candidate string
	FollowUp  string
}

// Config configures an Engine.
type Config struct {
	Timeouts          Timeouts
	Labels            Labels
	ReviewInfraPolicy ReviewInfraPolicy
	// FollowUps files non-blocking review findings of a passing review as a
	// new issue.
	FollowUps bool
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store     store.Store
	Budget    *budget.Manager
	Policies  PolicySource
	Issues    deps.IssueSource
	Tracker   Tracker
	Workspace Workspace
	Generator Generator
	Verifier  Verifier
	Reviewer  Reviewer
	Packager  Packager
	Leaks     LeakScanner
	Notifier  notify.Publisher
	Clock     clock.Clock
	Logger    *logging.Logger
	Tracer    trace.Tracer
}

// Engine runs jobs through the phase pipeline. It is safe for concurrent use
// by different jobs.
type Engine struct {
	Deps
	cfg Config
}

// New creates an Engine. Store, Budget, Policies, Issues, Tracker, Workspace,
// Generator and Packager are required; Verifier is required for repositories
// with CI enabled; a nil Reviewer is treated as unavailable on every review.
func New(d Deps, cfg Config) (*Engine, error) {
	switch {
	case d.Store == nil, d.Budget == nil, d.Policies == nil, d.Issues == nil,
		d.Tracker == nil, d.Workspace == nil, d.Generator == nil, d.Packager == nil:
		return nil, errors.New("engine: missing required collaborator")
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	d.Logger = d.Logger.Named("engine")
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(instrumentationName)
	}
	if cfg.ReviewInfraPolicy == "" {
		cfg.ReviewInfraPolicy = ReviewInfraPassThrough
	}
	if cfg.Labels.InProgress == "" {
		cfg.Labels.InProgress = "issuepilot:in-progress"
	}
	return &Engine{Deps: d, cfg: cfg}, nil
}

// Run drives job id to a terminal status. Job failures are recorded on the
// job and do not produce an error; an error means the job's state could not
// be read or persisted.
func (e *Engine) Run(ctx context.Context, id int64) (err error) {
	j, err := e.Store.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("load job %d: %w", id, err)
	}
	if j.Status != job.StatusDispatched && j.Status != job.StatusPending {
		return fmt.Errorf("%w: job %d is %s", ErrNotRunnable, id, j.Status)
	}

	ctx = logging.WithJob(ctx, logging.JobFields{ID: j.ID, Repo: j.Repo.String(), Issue: j.ExternalID})
	ctx, span := e.Tracer.Start(ctx, "engine.Run", trace.WithAttributes(
		attribute.Int64("job.id", j.ID),
		attribute.String("job.repo", j.Repo.String()),
		attribute.Int("job.issue", j.ExternalID),
	))
	defer span.End()

	r := &run{e: e, job: j, started: e.Clock.Now()}

	defer func() {
		if p := recover(); p != nil {
			e.Logger.Error(ctx, "panic while processing job",
				zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = r.abort(ctx, phaseErr(KindUnexpected, j.CurrentPhase, fmt.Sprint(p), nil))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("job.status", string(r.job.Status)))
	}()

	policy, ok := e.Policies.Policy(j.Repo)
	if !ok {
		return r.abort(ctx, phaseErr(KindSetup, job.PhaseSetup, j.Repo.String(), ErrNoPolicy))
	}
	r.policy = policy

	records, err := e.Store.ListIterations(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("load iterations for job %d: %w", j.ID, err)
	}
	r.seq = len(records)

	return r.loop(ctx)
}

// RecoverOrphans fails jobs left IN_PROGRESS by a previous process. Work is
// never resumed mid-phase; a human retry restarts from SETUP.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := e.Store.ListByStatus(ctx, job.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list in-progress jobs: %w", err)
	}
	for _, j := range orphans {
		jctx := logging.WithJob(ctx, logging.JobFields{ID: j.ID, Repo: j.Repo.String(), Issue: j.ExternalID})
		detail := fmt.Sprintf("process stopped while the job was in %s", j.CurrentPhase)
		if err := e.Budget.Fail(jctx, j, budget.ReasonInterrupted, detail); err != nil {
			return 0, err
		}
		_ = e.Tracker.RemoveLabel(jctx, j.Repo, j.ExternalID, e.cfg.Labels.InProgress)
	}
	return len(orphans), nil
}

// withTimeout bounds one collaborator call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

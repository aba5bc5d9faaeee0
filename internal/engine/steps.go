package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/budget"
	"github.com/fyrsmithlabs/issuepilot/internal/deps"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
	"github.com/fyrsmithlabs/issuepilot/internal/notify"
)

// step is one state of a run. The set of implementations is closed.
type step interface {
	phase() job.Phase
}

type setupStep struct{}

type implementStep struct {
	trigger  job.Trigger
	feedback Feedback
}

type verifyStep struct{}

type packageStep struct{}

type reviewStep struct{}

type completeStep struct {
	reviewSkipped bool
	// forceGate stops at AWAITING_APPROVAL even under an autonomous policy.
	forceGate bool
}

type doneStep struct{}

func (setupStep) phase() job.Phase     { return job.PhaseSetup }
func (implementStep) phase() job.Phase { return job.PhaseImplementation }
func (verifyStep) phase() job.Phase    { return job.PhaseVerification }
func (packageStep) phase() job.Phase   { return job.PhasePackaging }
func (reviewStep) phase() job.Phase    { return job.PhaseReview }
func (completeStep) phase() job.Phase  { return job.PhaseCompletion }
func (doneStep) phase() job.Phase      { return job.PhaseNone }

// attempt is the open iteration record of the current implementation try.
type attempt struct {
	rec    job.IterationRecord
	diff   string
	closed bool
}

// run is the state of one Engine.Run call. It is owned by a single
// goroutine.
type run struct {
	e       *Engine
	job     *job.Job
	policy  job.RepositoryPolicy
	started time.Time

	issue *deps.IssueState
	dir   string
	human string
	seq   int
	att   *attempt
}

func (r *run) loop(ctx context.Context) error {
	trigger := job.TriggerInitial
	if r.seq > 0 || r.job.PendingFeedback != "" {
		trigger = job.TriggerHuman
	}
	r.human = r.job.PendingFeedback

	r.job.PendingFeedback = ""
	r.job.LastError = ""
	r.job.Status = job.StatusInProgress
	if err := r.save(ctx); err != nil {
		return err
	}
	r.audit(ctx, job.PhaseNone, "started", string(trigger))
	jobsRunning.Inc()
	defer jobsRunning.Dec()
	r.e.bestEffort(ctx, "add in-progress label", func(ctx context.Context) error {
		return r.e.Tracker.AddLabel(ctx, r.job.Repo, r.job.ExternalID, r.e.cfg.Labels.InProgress)
	})
	r.e.Logger.Info(ctx, "job started",
		zap.String("trigger", string(trigger)),
		zap.Int("max_iterations", r.policy.MaxIterations),
		zap.Int("max_review_iterations", r.policy.MaxReviewIterations))

	var s step = setupStep{}
	for {
		if _, ok := s.(doneStep); ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, err)
		}

		ph := s.phase()
		if err := r.enter(ctx, ph); err != nil {
			return r.abort(ctx, err)
		}
		pctx := logging.WithPhase(ctx, string(ph))
		pctx, span := r.e.Tracer.Start(pctx, "engine."+strings.ToLower(string(ph)))
		begin := r.e.Clock.Now()

		var next step
		var err error
		switch st := s.(type) {
		case setupStep:
			next, err = r.setup(pctx, trigger)
		case implementStep:
			next, err = r.implement(pctx, st)
		case verifyStep:
			next, err = r.verify(pctx)
		case packageStep:
			next, err = r.pack(pctx)
		case reviewStep:
			next, err = r.review(pctx)
		case completeStep:
			next, err = r.complete(pctx, st)
		default:
			panic(fmt.Sprintf("engine: unhandled step %T", s))
		}

		phaseDuration.WithLabelValues(string(ph)).Observe(r.e.Clock.Now().Sub(begin).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if _, done := next.(doneStep); done {
			return err
		}
		if err != nil {
			return r.abort(pctx, err)
		}
		s = next
	}
}

func (r *run) setup(ctx context.Context, trigger job.Trigger) (step, error) {
	e := r.e
	ctx, cancel := withTimeout(ctx, e.cfg.Timeouts.Setup)
	defer cancel()

	issue, err := e.Issues.Issue(ctx, r.job.Repo, r.job.ExternalID)
	if err != nil {
		return nil, phaseErr(KindSetup, job.PhaseSetup, "fetch issue", err)
	}
	if !issue.Open {
		return nil, phaseErr(KindSetup, job.PhaseSetup, "issue is closed", nil)
	}
	r.issue = issue
	if issue.Title != "" {
		r.job.Title = issue.Title
	}

	dir, err := e.Workspace.Prepare(ctx, r.job.Repo, r.policy.TargetBranch)
	if err != nil {
		return nil, phaseErr(KindSetup, job.PhaseSetup, "prepare workspace", err)
	}
	r.dir = dir

	if r.job.BranchName == "" {
		r.job.BranchName = e.Workspace.BranchName(r.job.ExternalID, r.job.Title)
	}
	if err := e.Workspace.EnsureBranch(ctx, dir, r.job.BranchName, r.policy.TargetBranch); err != nil {
		return nil, phaseErr(KindSetup, job.PhaseSetup, "prepare branch "+r.job.BranchName, err)
	}
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	return implementStep{trigger: trigger, feedback: Feedback{Human: r.human}}, nil
}

func (r *run) implement(ctx context.Context, st implementStep) (step, error) {
	e := r.e
	// Review retries are charged to the review budget when the review fails.
	if st.trigger != job.TriggerReviewRetry {
		if err := e.Budget.ConsumeIteration(r.job, r.policy); err != nil {
			return r.escalate(ctx, budget.ReasonImplementationBudget,
				fmt.Sprintf("no implementation attempts left (ceiling %d)", r.policy.MaxIterations))
		}
		if err := r.save(ctx); err != nil {
			return nil, err
		}
	}
	r.open(st.trigger, st.feedback)

	gctx, cancel := withTimeout(ctx, e.cfg.Timeouts.Generation)
	res, err := e.Generator.Generate(gctx, GenerateRequest{
		Repo:     r.job.Repo,
		Issue:    r.job.ExternalID,
		Prompt:   r.prompt(),
		Dir:      r.dir,
		Feedback: st.feedback,
	})
	timedOut := errors.Is(gctx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err != nil && timedOut, res != nil && res.TimedOut:
		return r.implementationFailed(ctx, phaseErr(KindGeneration, job.PhaseImplementation,
			fmt.Sprintf("generation timed out after %s", e.cfg.Timeouts.Generation), err))
	case err != nil:
		return r.implementationFailed(ctx, phaseErr(KindGeneration, job.PhaseImplementation, "generation failed", err))
	case res == nil:
		return r.implementationFailed(ctx, phaseErr(KindGeneration, job.PhaseImplementation, "generator returned no result", nil))
	}
	r.att.rec.TokenUsage = r.att.rec.TokenUsage.Add(res.TokenUsage)
	r.att.rec.OutputRef = tail(res.Output, 2000)
	if !res.Success {
		return r.implementationFailed(ctx, phaseErr(KindGeneration, job.PhaseImplementation, tail(res.Output, 4000), nil))
	}

	msg := fmt.Sprintf("%s (#%d)\n\nAttempt %d.", r.job.Title, r.job.ExternalID, r.att.rec.Sequence)
	sha, changed, err := e.Workspace.CommitAll(ctx, r.dir, msg)
	if err != nil {
		return r.implementationFailed(ctx, phaseErr(KindGeneration, job.PhaseImplementation, "commit changes", err))
	}
	if !changed {
		return r.implementationFailed(ctx, phaseErr(KindGeneration, job.PhaseImplementation, "", ErrNoChanges))
	}
	r.att.rec.DiffRef = sha

	diff, err := e.Workspace.Diff(ctx, r.dir, r.policy.TargetBranch)
	if err != nil {
		return r.implementationFailed(ctx, phaseErr(KindGeneration, job.PhaseImplementation, "diff against "+r.policy.TargetBranch, err))
	}
	r.att.diff = diff
	return verifyStep{}, nil
}

func (r *run) verify(ctx context.Context) (step, error) {
	e := r.e
	if e.Leaks != nil {
		leaks, err := e.Leaks.ScanDiff(ctx, r.dir, r.att.diff)
		if err != nil {
			return r.implementationFailed(ctx, phaseErr(KindVerification, job.PhaseVerification, "secret scan failed", err))
		}
		if len(leaks) > 0 {
			detail := "potential secrets in the change, remove them:\n" + strings.Join(leaks, "\n")
			return r.implementationFailed(ctx, phaseErr(KindVerification, job.PhaseVerification, detail, nil))
		}
	}

	if err := e.Workspace.Push(ctx, r.dir, r.job.BranchName); err != nil {
		return r.implementationFailed(ctx, phaseErr(KindVerification, job.PhaseVerification, "push "+r.job.BranchName, err))
	}

	detail := "no CI configured"
	if r.policy.CIEnabled {
		if e.Verifier == nil {
			return nil, phaseErr(KindUnexpected, job.PhaseVerification, "CI is enabled but no verifier is configured", nil)
		}
		cctx, cancel := withTimeout(ctx, e.cfg.Timeouts.Checks)
		res, err := e.Verifier.WaitForChecks(cctx, r.job.Repo, r.job.BranchName, e.cfg.Timeouts.Checks)
		cancel()
		if err != nil {
			return r.implementationFailed(ctx, phaseErr(KindVerification, job.PhaseVerification, "waiting for checks", err))
		}
		if res == nil || !res.Passed {
			if res == nil {
				res = &CheckResult{Detail: "verifier returned no result"}
			}
			return r.implementationFailed(ctx, phaseErr(KindVerification, job.PhaseVerification, res.Detail, nil))
		}
		detail = res.Detail
	}
	passed := true
	r.att.rec.VerificationPassed = &passed
	r.att.rec.VerificationDetail = detail
	return packageStep{}, nil
}

func (r *run) pack(ctx context.Context) (step, error) {
	title := fmt.Sprintf("%s (#%d)", r.job.Title, r.job.ExternalID)
	body := fmt.Sprintf("Closes #%d.\n\nGenerated by issuepilot, attempt %d.", r.job.ExternalID, r.att.rec.Sequence)
	id, err := r.e.Packager.CreateOrReuse(ctx, r.job.Repo, r.job.BranchName, r.policy.TargetBranch, title, body)
	if err != nil {
		return nil, phaseErr(KindPackaging, job.PhasePackaging, "create pull request", err)
	}
	if r.job.ArtifactID != id {
		r.job.ArtifactID = id
		r.audit(ctx, job.PhasePackaging, "artifact", fmt.Sprintf("#%d", id))
	}
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	return reviewStep{}, nil
}

func (r *run) review(ctx context.Context) (step, error) {
	e := r.e
	if e.Reviewer == nil {
		return r.reviewUnavailable(ctx, errors.New("no reviewer configured"))
	}
	rctx, cancel := withTimeout(ctx, e.cfg.Timeouts.Review)
	v, err := e.Reviewer.Review(rctx, ReviewRequest{
		Repo:     r.job.Repo,
		Dir:      r.dir,
		Spec:     r.prompt(),
		Diff:     r.att.diff,
		Security: r.policy.SecurityReview,
	})
	timedOut := err != nil &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded))
	cancel()
	if timedOut && ctx.Err() == nil {
		detail := fmt.Sprintf("review timed out after %s", e.cfg.Timeouts.Review)
		return r.reviewFailed(ctx, phaseErr(KindReview, job.PhaseReview, detail, nil), "review_timed_out", Feedback{
			Human:     r.human,
			Review:    detail + "; keep the change small and focused so it can be reviewed in time.",
			PriorDiff: head(r.att.diff, 8000),
		})
	}
	if err == nil && v == nil {
		err = errors.New("reviewer returned no verdict")
	}
	if err != nil {
		return r.reviewUnavailable(ctx, err)
	}

	rec := &r.att.rec
	rec.ReviewPassed = &v.Passed
	rec.ReviewRaw = head(v.Raw, 8000)
	rec.ReviewScores = v.Scores
	rec.ReviewFindings = v.Findings
	rec.TokenUsage = rec.TokenUsage.Add(v.TokenUsage)

	if v.Passed {
		if err := r.close(ctx, job.OutcomeSucceeded, ""); err != nil {
			return nil, err
		}
		r.fileFollowUp(ctx, v.Findings)
		return completeStep{}, nil
	}

	summary := fmt.Sprintf("review rejected the change with %d findings", len(v.Findings))
	return r.reviewFailed(ctx, phaseErr(KindReview, job.PhaseReview, summary, nil), "review_rejected", Feedback{
		Human:     r.human,
		Findings:  v.Findings,
		Advice:    v.Advice,
		PriorDiff: head(r.att.diff, 8000),
	})
}

// reviewFailed closes a judged review failure and either retries with
// feedback or escalates when the review budget is spent.
func (r *run) reviewFailed(ctx context.Context, pe *PhaseError, event string, fb Feedback) (step, error) {
	e := r.e
	if !pe.Retryable() {
		return nil, pe
	}
	if err := r.close(ctx, job.OutcomeReviewFailed, pe.Detail); err != nil {
		return nil, err
	}
	if !e.Budget.CanReviewIterate(r.job, r.policy) {
		detail := pe.Detail
		if fb.Advice != "" {
			detail += "\n\n" + fb.Advice
		}
		return r.escalate(ctx, budget.ReasonReviewBudget, detail)
	}
	if err := e.Budget.ConsumeReviewIteration(r.job, r.policy); err != nil {
		return nil, err
	}
	if err := r.save(ctx); err != nil {
		return nil, err
	}
	r.audit(ctx, job.PhaseReview, event, pe.Detail)
	e.Logger.Info(ctx, "review failed, retrying",
		zap.String("event", event),
		zap.Int("findings", len(fb.Findings)),
		zap.Int("review_iteration", r.job.CurrentReviewIteration))
	return implementStep{trigger: job.TriggerReviewRetry, feedback: fb}, nil
}

// reviewUnavailable applies the review-infrastructure policy. Nothing is
// charged to either budget.
func (r *run) reviewUnavailable(ctx context.Context, cause error) (step, error) {
	e := r.e
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	detail := "reviewer unavailable: " + cause.Error()
	e.Logger.Warn(ctx, "review could not run", zap.Error(cause),
		zap.String("policy", string(e.cfg.ReviewInfraPolicy)))

	if e.cfg.ReviewInfraPolicy == ReviewInfraFail {
		return nil, phaseErr(KindReviewInfra, job.PhaseReview, "", cause)
	}
	if err := r.close(ctx, job.OutcomeReviewSkipped, detail); err != nil {
		return nil, err
	}
	r.audit(ctx, job.PhaseReview, "review_skipped", detail)
	reviewsSkipped.Inc()

	gate := e.cfg.ReviewInfraPolicy == ReviewInfraAwaitApproval
	note := "the change proceeds without an independent review"
	if gate {
		note = "the change waits for human approval"
	}
	r.comment(ctx, fmt.Sprintf("> [!WARNING]\n> The independent review could not run (%s); %s.", cause.Error(), note))
	return completeStep{reviewSkipped: true, forceGate: gate}, nil
}

func (r *run) complete(ctx context.Context, st completeStep) (step, error) {
	e := r.e
	status := job.StatusCompleted
	if r.policy.Gated() || st.forceGate {
		status = job.StatusAwaitingApproval
	} else if err := r.finalize(ctx); err != nil {
		e.Logger.Warn(ctx, "finalization failed, falling back to approval", zap.Error(err))
		r.audit(ctx, job.PhaseCompletion, "finalization_failed", err.Error())
		status = job.StatusAwaitingApproval
	}

	r.e.bestEffort(ctx, "remove in-progress label", func(ctx context.Context) error {
		return e.Tracker.RemoveLabel(ctx, r.job.Repo, r.job.ExternalID, e.cfg.Labels.InProgress)
	})

	if status == job.StatusCompleted && e.cfg.Labels.Candidate != "" {
		r.e.bestEffort(ctx, "remove candidate label", func(ctx context.Context) error {
			return e.Tracker.RemoveLabel(ctx, r.job.Repo, r.job.ExternalID, e.cfg.Labels.Candidate)
		})
	}

	r.job.Status = status
	r.job.CurrentPhase = job.PhaseNone
	if err := r.save(ctx); err != nil {
		return nil, err
	}

	event := notify.EventCompleted
	msg := fmt.Sprintf("issuepilot finished this issue in #%d.", r.job.ArtifactID)
	if status == job.StatusAwaitingApproval {
		event = notify.EventAwaitingApproval
		msg = fmt.Sprintf("issuepilot opened #%d, which is waiting for approval.", r.job.ArtifactID)
	}
	if st.reviewSkipped {
		msg += " It was not independently reviewed."
	}
	r.audit(ctx, job.PhaseCompletion, strings.ToLower(string(status)), fmt.Sprintf("#%d", r.job.ArtifactID))
	r.comment(ctx, msg)
	r.publish(ctx, notify.NewEvent(event, r.job, e.Clock.Now()))
	r.finished()
	e.Logger.Info(ctx, "job finished",
		zap.String("status", string(status)),
		zap.Int("artifact_id", r.job.ArtifactID),
		zap.Int("iterations", r.job.CurrentIteration),
		zap.Int("review_iterations", r.job.CurrentReviewIteration))
	return doneStep{}, nil
}

func (r *run) finalize(ctx context.Context) error {
	e := r.e
	if err := e.Packager.Finalize(ctx, r.job.Repo, r.job.ArtifactID); err != nil {
		return phaseErr(KindFinalization, job.PhaseCompletion, "finalize", err)
	}
	if r.policy.AutoFinalize {
		if err := e.Packager.AutoMerge(ctx, r.job.Repo, r.job.ArtifactID); err != nil {
			return phaseErr(KindFinalization, job.PhaseCompletion, "auto-merge", err)
		}
	}
	return nil
}

// implementationFailed closes the attempt and either retries with feedback
// or escalates when the implementation budget is spent.
func (r *run) implementationFailed(ctx context.Context, pe *PhaseError) (step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !pe.Retryable() {
		return nil, pe
	}
	outcome := job.OutcomeGenerationFailed
	fb := Feedback{Human: r.human}
	detail := pe.Detail
	if pe.Err != nil {
		detail = strings.TrimPrefix(detail+": "+pe.Err.Error(), ": ")
	}
	if pe.Kind == KindVerification {
		outcome = job.OutcomeVerificationFailed
		r.att.rec.VerificationDetail = head(detail, 4000)
		fb.Verification = tail(detail, 4000)
		fb.PriorDiff = head(r.att.diff, 8000)
	} else {
		fb.Generation = tail(detail, 4000)
	}
	if err := r.close(ctx, outcome, detail); err != nil {
		return nil, err
	}

	r.e.Logger.Warn(ctx, "attempt failed",
		zap.String("kind", string(pe.Kind)),
		zap.Int("iteration", r.job.CurrentIteration),
		zap.Int("max_iterations", r.policy.MaxIterations))

	if !r.e.Budget.CanIterate(r.job, r.policy) {
		return r.escalate(ctx, budget.ReasonImplementationBudget, pe.Error())
	}
	r.audit(ctx, pe.Phase, "attempt_failed", head(pe.Error(), 500))
	return implementStep{trigger: job.TriggerRetry, feedback: fb}, nil
}

// escalate hands the job to a human through the budget manager.
func (r *run) escalate(ctx context.Context, reason budget.Reason, detail string) (step, error) {
	e := r.e
	e.bestEffort(ctx, "remove in-progress label", func(ctx context.Context) error {
		return e.Tracker.RemoveLabel(ctx, r.job.Repo, r.job.ExternalID, e.cfg.Labels.InProgress)
	})
	var err error
	switch reason {
	case budget.ReasonImplementationBudget:
		err = e.Budget.OnImplementationBudgetExhausted(ctx, r.job, detail)
	case budget.ReasonReviewBudget:
		err = e.Budget.OnReviewBudgetExhausted(ctx, r.job, detail)
	default:
		err = e.Budget.Fail(ctx, r.job, reason, detail)
	}
	r.finished()
	return doneStep{}, err
}

// abort fails the job for a non-retryable cause. The returned error is only
// non-nil when the failure itself could not be persisted.
func (r *run) abort(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)

	reason := budget.ReasonUnexpected
	var pe *PhaseError
	switch {
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		reason = budget.ReasonInterrupted
	case errors.As(cause, &pe):
		switch pe.Kind {
		case KindSetup:
			reason = budget.ReasonSetup
		case KindPackaging:
			reason = budget.ReasonPackaging
		case KindReviewInfra:
			reason = budget.ReasonReviewInfra
		}
	}

	if r.att != nil && !r.att.closed {
		if err := r.close(ctx, job.OutcomeAborted, cause.Error()); err != nil {
			r.e.Logger.Error(ctx, "failed to record aborted attempt", zap.Error(err))
		}
	}
	r.e.Logger.Error(ctx, "job aborted", zap.String("reason", string(reason)), zap.Error(cause))
	_, err := r.escalate(ctx, reason, cause.Error())
	return err
}

// open starts the iteration record for a new attempt.
func (r *run) open(trigger job.Trigger, fb Feedback) {
	r.seq++
	r.att = &attempt{rec: job.IterationRecord{
		ID:        uuid.NewString(),
		JobID:     r.job.ID,
		Sequence:  r.seq,
		Trigger:   trigger,
		Feedback:  head(fb.String(), 16000),
		StartedAt: r.e.Clock.Now(),
	}}
}

// close persists the current attempt's record. Each attempt is recorded
// exactly once.
func (r *run) close(ctx context.Context, outcome job.Outcome, detail string) error {
	if r.att == nil || r.att.closed {
		return nil
	}
	r.att.closed = true
	rec := r.att.rec
	rec.Outcome = outcome
	rec.CompletedAt = r.e.Clock.Now()
	if outcome == job.OutcomeVerificationFailed && rec.VerificationDetail == "" {
		rec.VerificationDetail = head(detail, 4000)
	}
	attempts.WithLabelValues(string(outcome)).Inc()
	if err := r.e.Store.AppendIteration(ctx, &rec); err != nil {
		return fmt.Errorf("record attempt %d: %w", rec.Sequence, err)
	}
	return nil
}

func (r *run) enter(ctx context.Context, ph job.Phase) error {
	if r.job.CurrentPhase == ph && ph != job.PhaseImplementation {
		return nil
	}
	from := r.job.CurrentPhase
	r.job.CurrentPhase = ph
	if err := r.save(ctx); err != nil {
		return err
	}
	r.audit(ctx, ph, "phase_entered", string(from))
	r.e.Logger.Debug(logging.WithPhase(ctx, string(ph)), "phase entered", zap.String("from", string(from)))
	return nil
}

func (r *run) save(ctx context.Context) error {
	if err := r.e.Store.UpdateJob(ctx, r.job); err != nil {
		return fmt.Errorf("persist job %d: %w", r.job.ID, err)
	}
	return nil
}

func (r *run) audit(ctx context.Context, ph job.Phase, event, detail string) {
	err := r.e.Store.AppendAudit(ctx, job.AuditEntry{
		JobID:  r.job.ID,
		At:     r.e.Clock.Now(),
		Phase:  ph,
		Event:  event,
		Detail: detail,
	})
	if err != nil {
		r.e.Logger.Error(ctx, "failed to append audit entry", zap.String("event", event), zap.Error(err))
	}
}

func (r *run) comment(ctx context.Context, body string) {
	r.e.bestEffort(ctx, "comment on issue", func(ctx context.Context) error {
		return r.e.Tracker.Comment(ctx, r.job.Repo, r.job.ExternalID, body)
	})
}

func (r *run) publish(ctx context.Context, ev notify.Event) {
	if err := r.e.Notifier.Publish(ctx, ev); err != nil {
		r.e.Logger.Warn(ctx, "failed to publish event", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

func (r *run) finished() {
	jobsFinished.WithLabelValues(string(r.job.Status)).Inc()
	runDuration.Observe(r.e.Clock.Now().Sub(r.started).Seconds())
}

func (r *run) prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (#%d)\n\n", r.job.Title, r.job.ExternalID)
	if r.issue != nil {
		b.WriteString(strings.TrimSpace(r.issue.Body))
	}
	return b.String()
}

// nonBlocking severities are reported but never reject a change.
var nonBlocking = map[string]bool{
	"info":       true,
	"low":        true,
	"minor":      true,
	"nit":        true,
	"suggestion": true,
}

// fileFollowUp opens an issue for leftover findings of a passing review.
func (r *run) fileFollowUp(ctx context.Context, findings []job.Finding) {
	if !r.e.cfg.FollowUps {
		return
	}
	var b strings.Builder
	n := 0
	for _, f := range findings {
		if !nonBlocking[strings.ToLower(f.Severity)] {
			continue
		}
		n++
		fmt.Fprintf(&b, "- [ ] **%s** %s", f.Category, f.Finding)
		if f.File != "" {
			fmt.Fprintf(&b, " (`%s`)", f.File)
		}
		b.WriteString("\n")
	}
	if n == 0 {
		return
	}
	title := fmt.Sprintf("Follow-up review notes for #%d", r.job.ExternalID)
	body := fmt.Sprintf("Non-blocking findings from the review of #%d:\n\n%s", r.job.ArtifactID, b.String())
	var labels []string
	if r.e.cfg.Labels.FollowUp != "" {
		labels = []string{r.e.cfg.Labels.FollowUp}
	}
	id, err := r.e.Tracker.CreateFollowUp(ctx, r.job.Repo, title, body, labels)
	if err != nil {
		r.e.Logger.Warn(ctx, "failed to file follow-up issue", zap.Error(err))
		return
	}
	r.audit(ctx, job.PhaseReview, "follow_up", fmt.Sprintf("#%d", id))
}

// bestEffort runs a tracker side effect under the tracker timeout and only
// logs failures.
func (e *Engine) bestEffort(ctx context.Context, what string, fn func(context.Context) error) {
	ctx, cancel := withTimeout(ctx, e.cfg.Timeouts.Tracker)
	defer cancel()
	if err := fn(ctx); err != nil {
		e.Logger.Warn(ctx, "tracker update failed", zap.String("action", what), zap.Error(err))
	}
}

// Package budget bounds retries and hands jobs to humans when they run out.
//
// Each job carries two independent counters: implementation iterations
// (generation plus verification) and review iterations. Build failures and
// review rejections have different retry economics, so neither may starve the
// other. When a job fails for any reason it is escalated: marked FAILED,
// labelled for a human, given a cooldown during which it is not re-admitted,
// and announced. Only RecordHumanOverride brings it back.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
	"github.com/fyrsmithlabs/issuepilot/internal/notify"
	"github.com/fyrsmithlabs/issuepilot/internal/store"
)

// DefaultCooldown suppresses re-admission after a failure.
const DefaultCooldown = 24 * time.Hour

// ErrBudgetExhausted is returned when a counter is already at its ceiling.
var ErrBudgetExhausted = errors.New("iteration budget exhausted")

// ErrNotOverridable is returned by RecordHumanOverride for jobs that have
// not finished.
var ErrNotOverridable = errors.New("job has not finished and cannot be overridden")

// Reason classifies why a job failed.
type Reason string

const (
	ReasonSetup                Reason = "setup_failed"
	ReasonImplementationBudget Reason = "implementation_budget_exhausted"
	ReasonReviewBudget         Reason = "review_budget_exhausted"
	ReasonPackaging            Reason = "packaging_failed"
	ReasonReviewInfra          Reason = "review_unavailable"
	ReasonUnexpected           Reason = "unexpected_error"
	ReasonInterrupted          Reason = "interrupted"
)

// Tracker is the subset of the issue tracker escalation needs.
type Tracker interface {
	AddLabel(ctx context.Context, repo job.RepoRef, number int, label string) error
	RemoveLabel(ctx context.Context, repo job.RepoRef, number int, label string) error
	Comment(ctx context.Context, repo job.RepoRef, number int, body string) error
}

// Config configures a Manager.
type Config struct {
	Cooldown        time.Duration
	EscalationLabel string
	// RetryHint is appended to escalation comments, e.g. how to retry.
	RetryHint string
}

// Manager owns the retry counters and the escalation path.
type Manager struct {
	store    store.Store
	tracker  Tracker
	notifier notify.Publisher
	clock    clock.Clock
	logger   *logging.Logger
	cfg      Config
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithNotifier sets the lifecycle event publisher.
func WithNotifier(p notify.Publisher) Option {
	return func(m *Manager) { m.notifier = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(s store.Store, t Tracker, cfg Config, opts ...Option) *Manager {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.EscalationLabel == "" {
		cfg.EscalationLabel = "needs-human"
	}
	m := &Manager{
		store:    s,
		tracker:  t,
		notifier: notify.Nop{},
		clock:    clock.Real(),
		logger:   logging.NewNop(),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("budget")
	return m
}

// CanIterate reports whether another implementation attempt fits the budget.
func (m *Manager) CanIterate(j *job.Job, p job.RepositoryPolicy) bool {
	return j.CurrentIteration < p.MaxIterations
}

// CanReviewIterate reports whether another review round fits the budget.
func (m *Manager) CanReviewIterate(j *job.Job, p job.RepositoryPolicy) bool {
	return j.CurrentReviewIteration < p.MaxReviewIterations
}

// ConsumeIteration charges one implementation attempt.
func (m *Manager) ConsumeIteration(j *job.Job, p job.RepositoryPolicy) error {
	if !m.CanIterate(j, p) {
		return ErrBudgetExhausted
	}
	j.CurrentIteration++
	return nil
}

// ConsumeReviewIteration charges one review round.
func (m *Manager) ConsumeReviewIteration(j *job.Job, p job.RepositoryPolicy) error {
	if !m.CanReviewIterate(j, p) {
		return ErrBudgetExhausted
	}
	j.CurrentReviewIteration++
	return nil
}

// OnImplementationBudgetExhausted escalates a job whose last implementation
// attempt failed with no budget left. summary describes that attempt.
func (m *Manager) OnImplementationBudgetExhausted(ctx context.Context, j *job.Job, summary string) error {
	return m.Fail(ctx, j, ReasonImplementationBudget, summary)
}

// OnReviewBudgetExhausted escalates a job whose last review failed with no
// review budget left.
func (m *Manager) OnReviewBudgetExhausted(ctx context.Context, j *job.Job, summary string) error {
	return m.Fail(ctx, j, ReasonReviewBudget, summary)
}

// Fail is the single path to FAILED. It sets a cooldown deadline strictly in
// the future, marks the job escalated, persists it, and then best-effort
// labels, comments and publishes. Only the persist error is returned.
func (m *Manager) Fail(ctx context.Context, j *job.Job, reason Reason, detail string) error {
	now := m.clock.Now()
	until := now.Add(m.cfg.Cooldown)

	failedPhase := j.CurrentPhase
	j.Status = job.StatusFailed
	j.CurrentPhase = job.PhaseNone
	j.CooldownUntil = &until
	j.Escalated = true
	j.LastError = truncate(string(reason)+": "+detail, 4000)

	if err := m.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("persist failed job %d: %w", j.ID, err)
	}
	m.audit(ctx, j, failedPhase, "escalated", j.LastError)
	escalations.WithLabelValues(string(reason)).Inc()

	m.logger.Warn(ctx, "job escalated to human",
		zap.Int64("job_id", j.ID),
		zap.String("reason", string(reason)),
		zap.Time("cooldown_until", until))

	if err := m.tracker.AddLabel(ctx, j.Repo, j.ExternalID, m.cfg.EscalationLabel); err != nil {
		m.logger.Warn(ctx, "failed to add escalation label", zap.Error(err))
	}
	if err := m.tracker.Comment(ctx, j.Repo, j.ExternalID, m.summary(j, reason, failedPhase, detail, until)); err != nil {
		m.logger.Warn(ctx, "failed to post escalation comment", zap.Error(err))
	}

	e := notify.NewEvent(notify.EventEscalated, j, now)
	e.Reason = string(reason)
	e.Detail = truncate(detail, 500)
	if err := m.notifier.Publish(ctx, e); err != nil {
		m.logger.Warn(ctx, "failed to publish escalation", zap.Error(err))
	}
	return nil
}

// CooldownExpired reports whether the job's cooldown deadline has passed. A
// job without a deadline is never in cooldown.
func (m *Manager) CooldownExpired(j *job.Job) bool {
	return !j.InCooldown(m.clock.Now())
}

// RecordHumanOverride resets a finished job so it runs again from SETUP with
// feedback threaded into its first generation. Both counters are reset and
// any cooldown is cleared. It fails with store.ErrConflict if j is stale.
func (m *Manager) RecordHumanOverride(ctx context.Context, j *job.Job, feedback string) error {
	if !j.Status.Terminal() {
		return ErrNotOverridable
	}

	wasEscalated := j.Escalated
	j.Status = job.StatusPending
	j.CurrentIteration = 0
	j.CurrentReviewIteration = 0
	j.CurrentPhase = job.PhaseNone
	j.CooldownUntil = nil
	j.Escalated = false
	j.BlockedByIssues = nil
	j.DispatchedAt = nil
	j.LastError = ""
	j.PendingFeedback = strings.TrimSpace(feedback)

	if err := m.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("persist override for job %d: %w", j.ID, err)
	}
	m.audit(ctx, j, job.PhaseNone, "human_override", truncate(j.PendingFeedback, 500))
	overrides.Inc()

	if wasEscalated {
		if err := m.tracker.RemoveLabel(ctx, j.Repo, j.ExternalID, m.cfg.EscalationLabel); err != nil {
			m.logger.Warn(ctx, "failed to remove escalation label", zap.Error(err))
		}
	}
	m.logger.Info(ctx, "human override recorded",
		zap.Int64("job_id", j.ID),
		zap.Bool("has_feedback", j.PendingFeedback != ""))
	return nil
}

func (m *Manager) audit(ctx context.Context, j *job.Job, phase job.Phase, event, detail string) {
	err := m.store.AppendAudit(ctx, job.AuditEntry{
		JobID:  j.ID,
		At:     m.clock.Now(),
		Phase:  phase,
		Event:  event,
		Detail: detail,
	})
	if err != nil {
		m.logger.Error(ctx, "failed to append audit entry", zap.String("event", event), zap.Error(err))
	}
}

func (m *Manager) summary(j *job.Job, reason Reason, phase job.Phase, detail string, until time.Time) string {
	var b strings.Builder
	b.WriteString("### issuepilot needs a human\n\n")
	fmt.Fprintf(&b, "**Reason:** `%s`\n", reason)
	if phase != job.PhaseNone {
		fmt.Fprintf(&b, "**Phase:** %s\n", phase)
	}
	fmt.Fprintf(&b, "**Implementation attempts:** %d\n", j.CurrentIteration)
	fmt.Fprintf(&b, "**Review rounds:** %d\n", j.CurrentReviewIteration)
	if j.BranchName != "" {
		fmt.Fprintf(&b, "**Branch:** `%s`\n", j.BranchName)
	}
	if detail != "" {
		fmt.Fprintf(&b, "\n<details><summary>Last attempt</summary>\n\n```\n%s\n```\n</details>\n", truncate(detail, 3000))
	}
	fmt.Fprintf(&b, "\nAutomatic processing is paused until %s.", until.UTC().Format(time.RFC3339))
	if m.cfg.RetryHint != "" {
		b.WriteString(" ")
		b.WriteString(m.cfg.RetryHint)
	}
	return b.String()
}

// truncate keeps at most n bytes of s, cut on a rune boundary so the result
// stays valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

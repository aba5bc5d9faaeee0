package admission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/deps"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
	"github.com/fyrsmithlabs/issuepilot/internal/notify"
	"github.com/fyrsmithlabs/issuepilot/internal/store"
)

// Candidate is an open tracker issue carrying the candidate label.
type Candidate struct {
	Number int
	Title  string
}

// Artifact is an open pull request on a job branch.
type Artifact struct {
	Number int
	Branch string
}

// Tracker is the tracker as admission uses it.
type Tracker interface {
	ListCandidates(ctx context.Context, repo job.RepoRef, label string) ([]Candidate, error)
	// ListOpenArtifacts returns open pull requests whose head branch starts
	// with branchPrefix and that carry label.
	ListOpenArtifacts(ctx context.Context, repo job.RepoRef, branchPrefix, label string) ([]Artifact, error)
	AddLabel(ctx context.Context, repo job.RepoRef, number int, label string) error
}

// Resolver answers dependency questions against live state.
type Resolver interface {
	Blockers(ctx context.Context, repo job.RepoRef, number int) ([]int, error)
	Order(ctx context.Context, nodes []deps.Node) []int
}

// Policies lists the configured repositories.
type Policies interface {
	Policies() []job.RepositoryPolicy
}

// Dispatcher hands a DISPATCHED job to a worker. It must not block on the
// job's processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, j *job.Job) error
}

// Config configures a Controller.
type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
	// DispatchGrace is how long a job may stay DISPATCHED before it is
	// considered lost.
	DispatchGrace  time.Duration
	CandidateLabel string
	PendingLabel   string
	BranchPrefix   string
	// Paused starts the controller disabled.
	Paused bool
}

// Report summarizes one cycle. Ids are local job ids.
type Report struct {
	Enabled    bool    `json:"enabled"`
	Unblocked  []int64 `json:"unblocked,omitempty"`
	Requeued   []int64 `json:"requeued,omitempty"`
	Dispatched []int64 `json:"dispatched,omitempty"`
	Queued     []int64 `json:"queued,omitempty"`
	Blocked    []int64 `json:"blocked,omitempty"`
	Active     int     `json:"active"`
}

// Controller admits jobs. The enabled flag has a single writer, SetEnabled.
type Controller struct {
	store      store.Store
	tracker    Tracker
	resolver   Resolver
	policies   Policies
	dispatcher Dispatcher
	notifier   notify.Publisher
	clock      clock.Clock
	logger     *logging.Logger
	cfg        Config

	enabled atomic.Bool
	trigger chan struct{}
	// cycleMu serializes cycles between Run and manual Cycle calls.
	cycleMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithNotifier sets the lifecycle event publisher.
func WithNotifier(p notify.Publisher) Option {
	return func(ctl *Controller) { ctl.notifier = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// New creates a Controller.
func New(s store.Store, t Tracker, r Resolver, p Policies, d Dispatcher, cfg Config, opts ...Option) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DispatchGrace <= 0 {
		cfg.DispatchGrace = 10 * time.Minute
	}
	c := &Controller{
		store:      s,
		tracker:    t,
		resolver:   r,
		policies:   p,
		dispatcher: d,
		notifier:   notify.Nop{},
		clock:      clock.Real(),
		logger:     logging.NewNop(),
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("admission")
	c.enabled.Store(!cfg.Paused)
	admissionEnabled.Set(boolGauge(!cfg.Paused))
	return c
}

// SetEnabled turns admission on or off. Running jobs are unaffected.
func (c *Controller) SetEnabled(on bool) {
	if c.enabled.Swap(on) != on {
		c.logger.Info(context.Background(), "admission toggled", zap.Bool("enabled", on))
	}
	admissionEnabled.Set(boolGauge(on))
	if on {
		c.Trigger()
	}
}

// Enabled reports whether admission is on.
func (c *Controller) Enabled() bool {
	return c.enabled.Load()
}

// Trigger requests a cycle as soon as possible. It never blocks.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run cycles until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Info(ctx, "admission controller started",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Int("max_concurrent", c.cfg.MaxConcurrent),
		zap.Bool("enabled", c.Enabled()))

	for {
		if _, err := c.Cycle(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error(ctx, "admission cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			c.logger.Info(context.WithoutCancel(ctx), "admission controller stopped")
			return nil
		case <-ticker.C:
		case <-c.trigger:
		}
	}
}

// cycle is the state of one admission pass.
type cycle struct {
	c      *Controller
	report *Report
	// busy marks repositories with an active or just-dispatched job.
	busy      map[job.RepoRef]bool
	artifacts map[job.RepoRef]*openArtifacts
	capacity  int
}

// openArtifacts is one repository's artifact lookup, cached for a cycle.
type openArtifacts struct {
	list []Artifact
	err  error
}

// Cycle runs one admission pass. Failures for individual jobs are logged and
// skipped; an error means the pass could not run at all.
func (c *Controller) Cycle(ctx context.Context) (*Report, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	report := &Report{Enabled: c.Enabled()}
	if !report.Enabled {
		c.logger.Debug(ctx, "admission paused, skipping cycle")
		return report, nil
	}
	start := c.clock.Now()
	defer func() {
		cycleDuration.Observe(c.clock.Now().Sub(start).Seconds())
	}()
	cycles.Inc()

	cy := &cycle{
		c:         c,
		report:    report,
		busy:      map[job.RepoRef]bool{},
		artifacts: map[job.RepoRef]*openArtifacts{},
	}

	if err := cy.recheckBlocked(ctx); err != nil {
		return report, err
	}
	if err := cy.selfHeal(ctx); err != nil {
		return report, err
	}

	active, err := c.store.ListByStatus(ctx, job.StatusDispatched, job.StatusInProgress)
	if err != nil {
		return report, fmt.Errorf("list active jobs: %w", err)
	}
	cy.capacity = c.cfg.MaxConcurrent - len(active)
	for _, j := range active {
		cy.busy[j.Repo] = true
	}

	if err := cy.drainQueued(ctx); err != nil {
		return report, err
	}
	if err := cy.admitNew(ctx); err != nil {
		return report, err
	}

	report.Active = c.cfg.MaxConcurrent - cy.capacity
	activeJobs.Set(float64(report.Active))
	if len(report.Dispatched)+len(report.Unblocked)+len(report.Requeued)+len(report.Blocked) > 0 {
		c.logger.Info(ctx, "admission cycle",
			zap.Int("dispatched", len(report.Dispatched)),
			zap.Int("queued", len(report.Queued)),
			zap.Int("blocked", len(report.Blocked)),
			zap.Int("unblocked", len(report.Unblocked)),
			zap.Int("requeued", len(report.Requeued)),
			zap.Int("active", report.Active))
	}
	return report, nil
}

// recheckBlocked promotes BLOCKED jobs whose blockers resolved. Jobs that
// only wait on each other in a cycle are broken by forcing the lowest issue
// number.
func (cy *cycle) recheckBlocked(ctx context.Context) error {
	c := cy.c
	blocked, err := c.store.ListByStatus(ctx, job.StatusBlocked)
	if err != nil {
		return fmt.Errorf("list blocked jobs: %w", err)
	}

	byRepo := map[job.RepoRef][]*job.Job{}
	for _, j := range blocked {
		byRepo[j.Repo] = append(byRepo[j.Repo], j)
	}
	for _, repo := range sortedRepos(byRepo) {
		jobs := byRepo[repo]
		still := map[int]*job.Job{}
		for _, j := range jobs {
			open, err := c.resolver.Blockers(ctx, j.Repo, j.ExternalID)
			if err != nil {
				c.logger.Warn(ctx, "blocker check failed", zap.Int64("job_id", j.ID), zap.Error(err))
				continue
			}
			if len(open) == 0 {
				cy.promote(ctx, j, "blockers resolved")
				continue
			}
			if !slices.Equal(j.BlockedByIssues, job.NewIssueSet(open...)) {
				j.BlockedByIssues = job.NewIssueSet(open...)
				if err := c.store.UpdateJob(ctx, j); err != nil {
					c.logger.Warn(ctx, "failed to update blockers", zap.Int64("job_id", j.ID), zap.Error(err))
				}
			}
			still[j.ExternalID] = j
		}
		cy.breakCycles(ctx, still)
	}
	return nil
}

// breakCycles forces jobs out of BLOCKED when every blocker of a group is
// another blocked job and no order exists.
func (cy *cycle) breakCycles(ctx context.Context, still map[int]*job.Job) {
	var closed []deps.Node
	for id, j := range still {
		inside := true
		for _, b := range j.BlockedByIssues {
			if _, ok := still[b]; !ok {
				inside = false
				break
			}
		}
		if inside {
			closed = append(closed, deps.Node{ID: id, BlockedBy: j.BlockedByIssues})
		}
	}
	if len(closed) == 0 {
		return
	}
	_, forced := deps.TopoSort(closed)
	for _, id := range forced {
		j := still[id]
		cy.c.logger.Warn(ctx, "dependency cycle among blocked jobs, forcing lowest id",
			zap.String("repo", j.Repo.String()),
			zap.Int("issue", id),
			zap.Ints("blocked_by", j.BlockedByIssues))
		cy.promote(ctx, j, fmt.Sprintf("cycle broken, blockers %v still open", []int(j.BlockedByIssues)))
	}
}

func (cy *cycle) promote(ctx context.Context, j *job.Job, why string) {
	j.Status = job.StatusQueued
	j.BlockedByIssues = nil
	if err := cy.c.store.UpdateJob(ctx, j); err != nil {
		cy.c.logger.Warn(ctx, "failed to promote blocked job", zap.Int64("job_id", j.ID), zap.Error(err))
		return
	}
	cy.c.audit(ctx, j, "unblocked", why)
	cy.report.Unblocked = append(cy.report.Unblocked, j.ID)
	transitions.WithLabelValues("unblocked").Inc()
}

// selfHeal returns jobs that were dispatched but never started to the queue.
func (cy *cycle) selfHeal(ctx context.Context) error {
	c := cy.c
	dispatched, err := c.store.ListByStatus(ctx, job.StatusDispatched)
	if err != nil {
		return fmt.Errorf("list dispatched jobs: %w", err)
	}
	now := c.clock.Now()
	for _, j := range dispatched {
		if j.DispatchedAt != nil && now.Sub(*j.DispatchedAt) < c.cfg.DispatchGrace {
			continue
		}
		j.Status = job.StatusQueued
		j.DispatchedAt = nil
		if err := c.store.UpdateJob(ctx, j); err != nil {
			if errors.Is(err, store.ErrConflict) {
				c.logger.Debug(ctx, "stale dispatch was picked up meanwhile", zap.Int64("job_id", j.ID))
				continue
			}
			c.logger.Warn(ctx, "failed to requeue stale dispatch", zap.Int64("job_id", j.ID), zap.Error(err))
			continue
		}
		c.logger.Warn(ctx, "job dispatched but never started, requeued",
			zap.Int64("job_id", j.ID),
			zap.String("repo", j.Repo.String()),
			zap.Int("issue", j.ExternalID))
		c.audit(ctx, j, "requeued", "dispatch not picked up within "+c.cfg.DispatchGrace.String())
		cy.report.Requeued = append(cy.report.Requeued, j.ID)
		transitions.WithLabelValues("requeued").Inc()
	}
	return nil
}

// drainQueued dispatches at most one QUEUED job per repository.
func (cy *cycle) drainQueued(ctx context.Context) error {
	c := cy.c
	queued, err := c.store.ListByStatus(ctx, job.StatusQueued)
	if err != nil {
		return fmt.Errorf("list queued jobs: %w", err)
	}
	byRepo := map[job.RepoRef][]*job.Job{}
	for _, j := range queued {
		byRepo[j.Repo] = append(byRepo[j.Repo], j)
	}
	for _, repo := range sortedRepos(byRepo) {
		jobs := byRepo[repo]
		next := cy.pick(ctx, repo, jobs)
		for _, j := range jobs {
			if j == next {
				cy.dispatch(ctx, j)
				continue
			}
			cy.report.Queued = append(cy.report.Queued, j.ID)
		}
	}
	return nil
}

// pick returns the job of one repository to dispatch now, or nil when
// capacity is exhausted or no job may start.
func (cy *cycle) pick(ctx context.Context, repo job.RepoRef, jobs []*job.Job) *job.Job {
	if cy.capacity <= 0 {
		return nil
	}
	var startable []*job.Job
	for _, j := range jobs {
		if cy.mayStart(ctx, j) {
			startable = append(startable, j)
		}
	}
	if len(startable) == 0 {
		return nil
	}
	return cy.first(ctx, repo, startable)
}

// first picks the job to run next among ready jobs of one repository, by
// dependency order with the lowest issue number breaking ties.
func (cy *cycle) first(ctx context.Context, repo job.RepoRef, jobs []*job.Job) *job.Job {
	if len(jobs) == 1 {
		return jobs[0]
	}
	byIssue := make(map[int]*job.Job, len(jobs))
	nodes := make([]deps.Node, 0, len(jobs))
	for _, j := range jobs {
		byIssue[j.ExternalID] = j
		open, err := cy.c.resolver.Blockers(ctx, repo, j.ExternalID)
		if err != nil {
			cy.c.logger.Warn(ctx, "blocker check failed", zap.Int64("job_id", j.ID), zap.Error(err))
		}
		nodes = append(nodes, deps.Node{ID: j.ExternalID, BlockedBy: open})
	}
	order := cy.c.resolver.Order(ctx, nodes)
	return byIssue[order[0]]
}

// admitNew classifies PENDING jobs and creates jobs for new candidates.
func (cy *cycle) admitNew(ctx context.Context) error {
	c := cy.c
	pending, err := c.store.ListByStatus(ctx, job.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	byRepo := map[job.RepoRef][]*job.Job{}
	for _, j := range pending {
		byRepo[j.Repo] = append(byRepo[j.Repo], j)
	}
	for _, p := range c.policies.Policies() {
		found, err := cy.discover(ctx, p.Repo)
		if err != nil {
			c.logger.Warn(ctx, "candidate discovery failed", zap.String("repo", p.Repo.String()), zap.Error(err))
			continue
		}
		byRepo[p.Repo] = append(byRepo[p.Repo], found...)
	}

	for _, repo := range sortedRepos(byRepo) {
		var ready []*job.Job
		for _, j := range byRepo[repo] {
			open, err := c.resolver.Blockers(ctx, j.Repo, j.ExternalID)
			if err != nil {
				c.logger.Warn(ctx, "blocker check failed", zap.Int64("job_id", j.ID), zap.Error(err))
				continue
			}
			if len(open) > 0 {
				cy.block(ctx, j, open)
				continue
			}
			ready = append(ready, j)
		}
		if len(ready) == 0 {
			continue
		}
		next := cy.pick(ctx, repo, ready)
		for _, j := range ready {
			if j == next {
				cy.dispatch(ctx, j)
				continue
			}
			cy.queue(ctx, j)
		}
	}
	return nil
}

// discover creates PENDING jobs for candidates that have no record, or whose
// latest record completed. FAILED and AWAITING_APPROVAL need a human retry.
func (cy *cycle) discover(ctx context.Context, repo job.RepoRef) ([]*job.Job, error) {
	c := cy.c
	candidates, err := c.tracker.ListCandidates(ctx, repo, c.cfg.CandidateLabel)
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].Number < candidates[k].Number })

	var out []*job.Job
	for _, cand := range candidates {
		latest, err := c.store.FindLatest(ctx, repo, cand.Number)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			c.logger.Warn(ctx, "job lookup failed", zap.Int("issue", cand.Number), zap.Error(err))
			continue
		case latest.Status != job.StatusCompleted:
			continue
		}
		j := &job.Job{Repo: repo, ExternalID: cand.Number, Title: cand.Title, Status: job.StatusPending}
		if err := c.store.CreateJob(ctx, j); err != nil {
			if !errors.Is(err, store.ErrDuplicateActiveJob) {
				c.logger.Warn(ctx, "failed to create job", zap.Int("issue", cand.Number), zap.Error(err))
			}
			continue
		}
		c.audit(ctx, j, "discovered", cand.Title)
		out = append(out, j)
	}
	return out, nil
}

func (cy *cycle) block(ctx context.Context, j *job.Job, open []int) {
	c := cy.c
	j.Status = job.StatusBlocked
	j.BlockedByIssues = job.NewIssueSet(open...)
	if err := c.store.UpdateJob(ctx, j); err != nil {
		c.logger.Warn(ctx, "failed to block job", zap.Int64("job_id", j.ID), zap.Error(err))
		return
	}
	c.audit(ctx, j, "blocked", fmt.Sprint([]int(j.BlockedByIssues)))
	cy.report.Blocked = append(cy.report.Blocked, j.ID)
	transitions.WithLabelValues("blocked").Inc()

	// Blockers are flagged so they get processed on their own.
	for _, b := range j.BlockedByIssues {
		if err := c.tracker.AddLabel(ctx, j.Repo, b, c.cfg.CandidateLabel); err != nil {
			c.logger.Warn(ctx, "failed to flag blocker", zap.Int("blocker", b), zap.Error(err))
		}
	}
	e := notify.NewEvent(notify.EventBlocked, j, c.clock.Now())
	e.Detail = fmt.Sprint([]int(j.BlockedByIssues))
	c.publish(ctx, e)
}

func (cy *cycle) queue(ctx context.Context, j *job.Job) {
	if j.Status != job.StatusQueued {
		j.Status = job.StatusQueued
		if err := cy.c.store.UpdateJob(ctx, j); err != nil {
			cy.c.logger.Warn(ctx, "failed to queue job", zap.Int64("job_id", j.ID), zap.Error(err))
			return
		}
		cy.c.audit(ctx, j, "queued", "")
		transitions.WithLabelValues("queued").Inc()
	}
	cy.report.Queued = append(cy.report.Queued, j.ID)
}

func (cy *cycle) dispatch(ctx context.Context, j *job.Job) {
	c := cy.c
	now := c.clock.Now()
	j.Status = job.StatusDispatched
	j.DispatchedAt = &now
	if err := c.store.UpdateJob(ctx, j); err != nil {
		c.logger.Warn(ctx, "failed to mark job dispatched", zap.Int64("job_id", j.ID), zap.Error(err))
		return
	}
	cy.busy[j.Repo] = true
	cy.capacity--

	if err := c.dispatcher.Dispatch(ctx, j); err != nil {
		c.logger.Error(ctx, "dispatch failed, job stays queued",
			zap.Int64("job_id", j.ID), zap.Error(err))
		j.Status = job.StatusQueued
		j.DispatchedAt = nil
		if err := c.store.UpdateJob(ctx, j); err != nil {
			c.logger.Warn(ctx, "failed to revert dispatch", zap.Int64("job_id", j.ID), zap.Error(err))
		}
		cy.capacity++
		cy.report.Queued = append(cy.report.Queued, j.ID)
		return
	}
	c.audit(ctx, j, "dispatched", "")
	cy.report.Dispatched = append(cy.report.Dispatched, j.ID)
	transitions.WithLabelValues("dispatched").Inc()
	c.logger.Info(ctx, "job dispatched",
		zap.Int64("job_id", j.ID),
		zap.String("repo", j.Repo.String()),
		zap.Int("issue", j.ExternalID))
	c.publish(ctx, notify.NewEvent(notify.EventDispatched, j, now))
}

// mayStart reports whether j may start in its repository: no other job is
// active there and every open artifact is j's own. A job retried after
// packaging still has its pull request open and must not wait on it.
func (cy *cycle) mayStart(ctx context.Context, j *job.Job) bool {
	if cy.busy[j.Repo] {
		return false
	}
	open := cy.openArtifacts(ctx, j.Repo)
	if open.err != nil {
		return false
	}
	for _, a := range open.list {
		if !owns(j, a) {
			cy.c.logger.Debug(ctx, "repository gate closed by open artifact",
				zap.String("repo", j.Repo.String()),
				zap.Int64("job_id", j.ID),
				zap.Int("artifact", a.Number))
			return false
		}
	}
	return true
}

func (cy *cycle) openArtifacts(ctx context.Context, repo job.RepoRef) *openArtifacts {
	if open, ok := cy.artifacts[repo]; ok {
		return open
	}
	c := cy.c
	list, err := c.tracker.ListOpenArtifacts(ctx, repo, c.cfg.BranchPrefix, c.cfg.PendingLabel)
	if err != nil {
		c.logger.Warn(ctx, "artifact check failed, keeping gate closed",
			zap.String("repo", repo.String()), zap.Error(err))
	}
	open := &openArtifacts{list: list, err: err}
	cy.artifacts[repo] = open
	return open
}

// owns reports whether a is the pull request of j.
func owns(j *job.Job, a Artifact) bool {
	return (j.ArtifactID != 0 && a.Number == j.ArtifactID) ||
		(j.BranchName != "" && a.Branch == j.BranchName)
}

func (c *Controller) audit(ctx context.Context, j *job.Job, event, detail string) {
	err := c.store.AppendAudit(ctx, job.AuditEntry{JobID: j.ID, At: c.clock.Now(), Event: event, Detail: detail})
	if err != nil {
		c.logger.Error(ctx, "failed to append audit entry", zap.String("event", event), zap.Error(err))
	}
}

func (c *Controller) publish(ctx context.Context, e notify.Event) {
	if err := c.notifier.Publish(ctx, e); err != nil {
		c.logger.Warn(ctx, "failed to publish event", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

func sortedRepos(m map[job.RepoRef][]*job.Job) []job.RepoRef {
	repos := make([]job.RepoRef, 0, len(m))
	for r := range m {
		repos = append(repos, r)
	}
	sort.Slice(repos, func(i, k int) bool { return repos[i].String() < repos[k].String() })
	return repos
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

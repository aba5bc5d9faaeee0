package budget

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/notify"
	"github.com/fyrsmithlabs/issuepilot/internal/store"
)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) AddLabel(ctx context.Context, repo job.RepoRef, number int, label string) error {
	return m.Called(ctx, repo, number, label).Error(0)
}

func (m *mockTracker) RemoveLabel(ctx context.Context, repo job.RepoRef, number int, label string) error {
	return m.Called(ctx, repo, number, label).Error(0)
}

func (m *mockTracker) Comment(ctx context.Context, repo job.RepoRef, number int, body string) error {
	return m.Called(ctx, repo, number, body).Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

var (
	acme   = job.RepoRef{Owner: "acme", Name: "api"}
	policy = job.RepositoryPolicy{Repo: acme, MaxIterations: 3, MaxReviewIterations: 2}
	start  = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	mgr     *Manager
	store   *store.MemoryStore
	tracker *mockTracker
	pub     *recordingPublisher
	clock   *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.Fake(start)
	s := store.NewMemoryStore(c)
	tr := &mockTracker{}
	pub := &recordingPublisher{}
	mgr := NewManager(s, tr, Config{EscalationLabel: "needs-human", RetryHint: "Run `issuepilot retry`."},
		WithClock(c), WithNotifier(pub))
	return &fixture{mgr: mgr, store: s, tracker: tr, pub: pub, clock: c}
}

func (f *fixture) newJob(t *testing.T) *job.Job {
	t.Helper()
	j := &job.Job{Repo: acme, ExternalID: 42, Status: job.StatusInProgress, CurrentPhase: job.PhaseImplementation}
	require.NoError(t, f.store.CreateJob(context.Background(), j))
	return j
}

func TestCanIterate_Monotonic(t *testing.T) {
	f := newFixture(t)
	j := &job.Job{}

	var seen []bool
	for i := 0; i < 5; i++ {
		seen = append(seen, f.mgr.CanIterate(j, policy))
		_ = f.mgr.ConsumeIteration(j, policy)
	}
	assert.Equal(t, []bool{true, true, true, false, false}, seen)
	assert.Equal(t, 3, j.CurrentIteration, "counter never exceeds the ceiling")
}

func TestConsume_IndependentCounters(t *testing.T) {
	f := newFixture(t)
	j := &job.Job{}

	require.NoError(t, f.mgr.ConsumeReviewIteration(j, policy))
	require.NoError(t, f.mgr.ConsumeReviewIteration(j, policy))
	assert.ErrorIs(t, f.mgr.ConsumeReviewIteration(j, policy), ErrBudgetExhausted)
	assert.False(t, f.mgr.CanReviewIterate(j, policy))

	assert.True(t, f.mgr.CanIterate(j, policy), "review exhaustion must not touch the implementation budget")
	require.NoError(t, f.mgr.ConsumeIteration(j, policy))
	assert.Equal(t, 1, j.CurrentIteration)
	assert.Equal(t, 2, j.CurrentReviewIteration)
}

func TestFail_EscalatesWithCooldown(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(t)
	j.CurrentIteration = 3

	f.tracker.On("AddLabel", mock.Anything, acme, 42, "needs-human").Return(nil)
	f.tracker.On("Comment", mock.Anything, acme, 42, mock.MatchedBy(func(body string) bool {
		return assert.Contains(t, body, "implementation_budget_exhausted") &&
			assert.Contains(t, body, "tests still failing") &&
			assert.Contains(t, body, "issuepilot retry")
	})).Return(nil)

	require.NoError(t, f.mgr.OnImplementationBudgetExhausted(context.Background(), j, "tests still failing"))

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.PhaseNone, j.CurrentPhase)
	assert.True(t, j.Escalated)
	require.NotNil(t, j.CooldownUntil)
	assert.True(t, j.CooldownUntil.After(start), "cooldown must be strictly in the future")
	assert.Equal(t, start.Add(DefaultCooldown), *j.CooldownUntil)

	stored, err := f.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)

	audit, err := f.store.ListAudit(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "escalated", audit[0].Event)
	assert.Equal(t, job.PhaseImplementation, audit[0].Phase)

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, notify.EventEscalated, f.pub.events[0].Type)
	assert.Equal(t, string(ReasonImplementationBudget), f.pub.events[0].Reason)
	f.tracker.AssertExpectations(t)
}

func TestFail_TrackerErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(t)

	f.tracker.On("AddLabel", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("502"))
	f.tracker.On("Comment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("502"))

	require.NoError(t, f.mgr.OnReviewBudgetExhausted(context.Background(), j, "scores too low"))
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Contains(t, j.LastError, string(ReasonReviewBudget))
}

func TestCooldownExpired(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(t)
	assert.True(t, f.mgr.CooldownExpired(j), "no deadline means no cooldown")

	f.tracker.On("AddLabel", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.tracker.On("Comment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.mgr.Fail(context.Background(), j, ReasonSetup, "clone failed"))

	assert.False(t, f.mgr.CooldownExpired(j))
	f.clock.Advance(23 * time.Hour)
	assert.False(t, f.mgr.CooldownExpired(j))
	f.clock.Advance(time.Hour)
	assert.True(t, f.mgr.CooldownExpired(j))
}

func TestRecordHumanOverride(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(t)
	j.CurrentIteration = 3
	j.CurrentReviewIteration = 2

	f.tracker.On("AddLabel", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.tracker.On("Comment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.mgr.OnImplementationBudgetExhausted(context.Background(), j, "x"))
	assert.False(t, f.mgr.CanIterate(j, policy))

	f.tracker.On("RemoveLabel", mock.Anything, acme, 42, "needs-human").Return(nil)
	require.NoError(t, f.mgr.RecordHumanOverride(context.Background(), j, "  use the v2 API instead  "))

	assert.Equal(t, job.StatusPending, j.Status)
	assert.Zero(t, j.CurrentIteration)
	assert.Zero(t, j.CurrentReviewIteration)
	assert.Nil(t, j.CooldownUntil)
	assert.False(t, j.Escalated)
	assert.Empty(t, j.LastError)
	assert.Equal(t, "use the v2 API instead", j.PendingFeedback)
	assert.True(t, f.mgr.CanIterate(j, policy))
	assert.True(t, f.mgr.CooldownExpired(j))

	audit, err := f.store.ListAudit(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "human_override", audit[len(audit)-1].Event)
	f.tracker.AssertExpectations(t)
}

func TestRecordHumanOverride_RejectsUnfinishedJob(t *testing.T) {
	for _, st := range []job.Status{
		job.StatusPending, job.StatusQueued, job.StatusBlocked, job.StatusDispatched, job.StatusInProgress,
	} {
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(t)
			j := f.newJob(t)
			j.Status = st

			err := f.mgr.RecordHumanOverride(context.Background(), j, "try again")
			assert.ErrorIs(t, err, ErrNotOverridable)
			assert.Equal(t, st, j.Status)
			assert.Empty(t, j.PendingFeedback)
		})
	}
}

func TestRecordHumanOverride_StaleCopyConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.newJob(t)
	f.tracker.On("AddLabel", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.tracker.On("Comment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.tracker.On("RemoveLabel", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.mgr.OnImplementationBudgetExhausted(ctx, j, "x"))

	first, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	second, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)

	require.NoError(t, f.mgr.RecordHumanOverride(ctx, first, "use the v2 API"))
	err = f.mgr.RecordHumanOverride(ctx, second, "")
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := f.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "use the v2 API", got.PendingFeedback)
}

func TestTruncate_KeepsValidUTF8(t *testing.T) {
	s := strings.Repeat("a", 499) + "✅ done"
	got := truncate(s, 500)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 499)+"…", got)
	assert.Equal(t, "short", truncate("short", 500))
}

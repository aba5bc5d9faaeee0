package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// blockingRunner records runs and holds each until released.
type blockingRunner struct {
	mu      sync.Mutex
	ran     []int64
	release chan struct{}
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, id int64) error {
	r.mu.Lock()
	r.ran = append(r.ran, id)
	r.mu.Unlock()
	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.err
}

func (r *blockingRunner) runs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ran...)
}

func TestLocalDispatcher(t *testing.T) {
	ctx := context.Background()
	runner := newBlockingRunner()
	d := NewLocalDispatcher(ctx, runner, nil)

	require.NoError(t, d.Dispatch(ctx, &job.Job{ID: 2}))
	require.NoError(t, d.Dispatch(ctx, &job.Job{ID: 1}))
	require.NoError(t, d.Dispatch(ctx, &job.Job{ID: 2}), "duplicate dispatch is ignored")
	assert.Equal(t, []int64{1, 2}, d.Active())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(short), context.DeadlineExceeded)

	close(runner.release)
	require.NoError(t, d.Wait(ctx))
	assert.Empty(t, d.Active())
	assert.ElementsMatch(t, []int64{1, 2}, runner.runs())
}

func TestLocalDispatcher_BaseCancelInterrupts(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	runner := newBlockingRunner()
	d := NewLocalDispatcher(base, runner, nil)

	// The admission cycle context ends right after dispatch; the run must not.
	cycle, endCycle := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(cycle, &job.Job{ID: 9}))
	endCycle()
	assert.Eventually(t, func() bool { return len(runner.runs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{9}, d.Active())

	cancel()
	require.NoError(t, d.Wait(context.Background()))
	assert.Empty(t, d.Active())
}

type recordingRunner struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (r *recordingRunner) Run(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func TestProcessJobWorkflow(t *testing.T) {
	t.Run("runs the job once", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		runner := &recordingRunner{}
		RegisterWorker(env, runner)

		env.ExecuteWorkflow(ProcessJobWorkflow, ProcessJobInput{JobID: 7, Repo: "acme/api", Issue: 42})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		assert.Equal(t, []int64{7}, runner.ids)
	})

	t.Run("engine error is not retried", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		runner := &recordingRunner{err: errors.New("job is not runnable")}
		RegisterWorker(env, runner)

		env.ExecuteWorkflow(ProcessJobWorkflow, ProcessJobInput{JobID: 8})

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		assert.Contains(t, env.GetWorkflowError().Error(), "not runnable")
		assert.Equal(t, []int64{8}, runner.ids)
	})
}

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return "run-1" }

type fakeStarter struct {
	opts  []client.StartWorkflowOptions
	input []ProcessJobInput
	err   error
}

func (s *fakeStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.opts = append(s.opts, opts)
	s.input = append(s.input, args[0].(ProcessJobInput))
	return fakeRun{id: opts.ID}, nil
}

func TestTemporalDispatcher(t *testing.T) {
	starter := &fakeStarter{}
	d := NewTemporalDispatcher(starter, "issuepilot", time.Hour, nil)

	j := &job.Job{ID: 12, Repo: job.RepoRef{Owner: "acme", Name: "api"}, ExternalID: 42}
	require.NoError(t, d.Dispatch(context.Background(), j))

	require.Len(t, starter.opts, 1)
	assert.Equal(t, "issuepilot-job-12", starter.opts[0].ID)
	assert.Equal(t, "issuepilot", starter.opts[0].TaskQueue)
	assert.Equal(t, ProcessJobInput{JobID: 12, Repo: "acme/api", Issue: 42, Timeout: time.Hour}, starter.input[0])

	starter.err = errors.New("unavailable")
	err := d.Dispatch(context.Background(), j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job 12")
}

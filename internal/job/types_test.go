package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRepoRef(t *testing.T) {
	r, err := ParseRepoRef("acme/api")
	require.NoError(t, err)
	assert.Equal(t, RepoRef{Owner: "acme", Name: "api"}, r)
	assert.Equal(t, "acme/api", r.String())

	for _, bad := range []string{"", "acme", "/api", "acme/", "a/b/c"} {
		_, err := ParseRepoRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestStatus_Classification(t *testing.T) {
	terminal := map[Status]bool{
		StatusCompleted:        true,
		StatusFailed:           true,
		StatusAwaitingApproval: true,
	}
	active := map[Status]bool{
		StatusDispatched: true,
		StatusInProgress: true,
	}
	all := []Status{StatusPending, StatusBlocked, StatusQueued, StatusDispatched,
		StatusInProgress, StatusAwaitingApproval, StatusCompleted, StatusFailed}

	for _, s := range all {
		assert.True(t, s.Valid(), s)
		assert.Equal(t, terminal[s], s.Terminal(), s)
		assert.Equal(t, active[s], s.Active(), s)
	}
	assert.False(t, Status("COOLDOWN").Valid())
}

func TestIssueSet(t *testing.T) {
	s := NewIssueSet(14, 3, 14, 9)
	assert.Equal(t, IssueSet{3, 9, 14}, s)
	assert.True(t, s.Contains(9))
	assert.False(t, s.Contains(10))
	assert.Nil(t, NewIssueSet())

	v, err := s.Value()
	require.NoError(t, err)
	assert.Equal(t, "[3,9,14]", v)

	var back IssueSet
	require.NoError(t, back.Scan([]byte("[9,3]")))
	assert.Equal(t, IssueSet{3, 9}, back)

	require.NoError(t, back.Scan(nil))
	assert.Nil(t, back)

	assert.Error(t, back.Scan(42))
}

func TestJob_InCooldown(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	j := &Job{}
	assert.False(t, j.InCooldown(now))

	until := now.Add(time.Hour)
	j.CooldownUntil = &until
	assert.True(t, j.InCooldown(now))
	assert.False(t, j.InCooldown(until))
	assert.False(t, j.InCooldown(until.Add(time.Second)))
}

func TestJob_CloneIsDeep(t *testing.T) {
	until := time.Now()
	j := &Job{ID: 1, BlockedByIssues: IssueSet{4}, CooldownUntil: &until}

	c := j.Clone()
	c.BlockedByIssues[0] = 99
	*c.CooldownUntil = until.Add(time.Hour)

	assert.Equal(t, 4, j.BlockedByIssues[0])
	assert.Equal(t, until, *j.CooldownUntil)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestRepositoryPolicy_Gated(t *testing.T) {
	assert.False(t, RepositoryPolicy{Mode: ModeAutonomous}.Gated())
	assert.True(t, RepositoryPolicy{Mode: ModeApprovalGated}.Gated())
	assert.True(t, RepositoryPolicy{}.Gated(), "unset mode is treated as gated")
}

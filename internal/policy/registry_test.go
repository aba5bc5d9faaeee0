package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/issuepilot/internal/config"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

func TestFromConfig_InheritsBudget(t *testing.T) {
	cfg := config.Default()
	cfg.Budget.MaxIterations = 4
	cfg.Budget.MaxReviewIterations = 1
	cfg.Repositories = []config.RepositoryConfig{
		{Owner: "acme", Name: "api"},
		{Owner: "acme", Name: "web", Mode: "autonomous", MaxIterations: 6, TargetBranch: "develop", AutoFinalize: true},
	}

	got := FromConfig(cfg)
	require.Len(t, got, 2)

	assert.Equal(t, job.RepositoryPolicy{
		Repo:                job.RepoRef{Owner: "acme", Name: "api"},
		Mode:                job.ModeApprovalGated,
		MaxIterations:       4,
		MaxReviewIterations: 1,
		TargetBranch:        "main",
	}, got[0])
	assert.Equal(t, job.ModeAutonomous, got[1].Mode)
	assert.Equal(t, 6, got[1].MaxIterations)
	assert.Equal(t, 1, got[1].MaxReviewIterations)
	assert.Equal(t, "develop", got[1].TargetBranch)
	assert.True(t, got[1].AutoFinalize)
}

func TestRegistry_Replace(t *testing.T) {
	api := job.RepoRef{Owner: "acme", Name: "api"}
	web := job.RepoRef{Owner: "acme", Name: "web"}
	r := NewRegistry(job.RepositoryPolicy{Repo: web}, job.RepositoryPolicy{Repo: api, MaxIterations: 2})

	p, ok := r.Policy(api)
	require.True(t, ok)
	assert.Equal(t, 2, p.MaxIterations)
	assert.Equal(t, []job.RepoRef{api, web}, repos(r.Policies()))

	r.Replace([]job.RepositoryPolicy{{Repo: api, MaxIterations: 5}})
	_, ok = r.Policy(web)
	assert.False(t, ok)

	// The earlier lookup is a snapshot.
	assert.Equal(t, 2, p.MaxIterations)
	p, _ = r.Policy(api)
	assert.Equal(t, 5, p.MaxIterations)
}

func TestRegistry_ConcurrentReadsDuringReplace(t *testing.T) {
	api := job.RepoRef{Owner: "acme", Name: "api"}
	r := NewRegistry(job.RepositoryPolicy{Repo: api, MaxIterations: 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for k := 0; k < 200; k++ {
				if n%2 == 0 {
					r.Replace([]job.RepositoryPolicy{{Repo: api, MaxIterations: k + 1}})
					continue
				}
				p, ok := r.Policy(api)
				assert.True(t, ok)
				assert.Positive(t, p.MaxIterations)
			}
		}(i)
	}
	wg.Wait()
}

func repos(ps []job.RepositoryPolicy) []job.RepoRef {
	var out []job.RepoRef
	for _, p := range ps {
		out = append(out, p.Repo)
	}
	return out
}

// Package policy holds the per-repository policies and swaps them on config
// reload. A running job keeps the snapshot it started with.
package policy

import (
	"sort"
	"sync/atomic"

	"github.com/fyrsmithlabs/issuepilot/internal/config"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

type snapshot struct {
	byRepo map[job.RepoRef]job.RepositoryPolicy
	sorted []job.RepositoryPolicy
}

// Registry is a concurrency-safe set of repository policies.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry holding policies.
func NewRegistry(policies ...job.RepositoryPolicy) *Registry {
	r := &Registry{}
	r.Replace(policies)
	return r
}

// Replace swaps the whole policy set.
func (r *Registry) Replace(policies []job.RepositoryPolicy) {
	s := &snapshot{byRepo: make(map[job.RepoRef]job.RepositoryPolicy, len(policies))}
	for _, p := range policies {
		s.byRepo[p.Repo] = p
	}
	for _, p := range s.byRepo {
		s.sorted = append(s.sorted, p)
	}
	sort.Slice(s.sorted, func(i, k int) bool {
		return s.sorted[i].Repo.String() < s.sorted[k].Repo.String()
	})
	r.current.Store(s)
}

// Policy returns the policy of repo.
func (r *Registry) Policy(repo job.RepoRef) (job.RepositoryPolicy, bool) {
	p, ok := r.current.Load().byRepo[repo]
	return p, ok
}

// Policies returns every policy ordered by repository.
func (r *Registry) Policies() []job.RepositoryPolicy {
	return append([]job.RepositoryPolicy(nil), r.current.Load().sorted...)
}

// FromConfig builds policies from validated configuration. Repository
// ceilings of zero inherit the global budget.
func FromConfig(cfg *config.Config) []job.RepositoryPolicy {
	out := make([]job.RepositoryPolicy, 0, len(cfg.Repositories))
	for _, rc := range cfg.Repositories {
		p := job.RepositoryPolicy{
			Repo:                job.RepoRef{Owner: rc.Owner, Name: rc.Name},
			Mode:                job.Mode(rc.Mode),
			MaxIterations:       rc.MaxIterations,
			MaxReviewIterations: rc.MaxReviewIterations,
			CIEnabled:           rc.CIEnabled,
			AutoFinalize:        rc.AutoFinalize,
			SecurityReview:      rc.SecurityReview,
			TargetBranch:        rc.TargetBranch,
		}
		if p.Mode == "" {
			p.Mode = job.ModeApprovalGated
		}
		if p.MaxIterations == 0 {
			p.MaxIterations = cfg.Budget.MaxIterations
		}
		if p.MaxReviewIterations == 0 {
			p.MaxReviewIterations = cfg.Budget.MaxReviewIterations
		}
		if p.TargetBranch == "" {
			p.TargetBranch = "main"
		}
		out = append(out, p)
	}
	return out
}

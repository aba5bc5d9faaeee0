package engine

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/issuepilot/internal/budget"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// Tracker is the issue tracker as the engine uses it.
type Tracker interface {
	budget.Tracker
	CreateFollowUp(ctx context.Context, repo job.RepoRef, title, body string, labels []string) (int, error)
}

// Workspace prepares a working copy and moves changes in and out of it.
type Workspace interface {
	// Prepare clones or refreshes the repository and returns its directory.
	Prepare(ctx context.Context, repo job.RepoRef, targetBranch string) (string, error)
	// BranchName derives the job branch for an issue.
	BranchName(issue int, title string) string
	// EnsureBranch checks out branch, creating it from base when missing.
	EnsureBranch(ctx context.Context, dir, branch, base string) error
	// CommitAll stages and commits every change. ok is false when the tree
	// was clean.
	CommitAll(ctx context.Context, dir, message string) (sha string, ok bool, err error)
	// Diff returns the unified diff of HEAD against base.
	Diff(ctx context.Context, dir, base string) (string, error)
	Push(ctx context.Context, dir, branch string) error
}

// GenerateRequest is one generation invocation.
type GenerateRequest struct {
	Repo     job.RepoRef
	Issue    int
	Prompt   string
	Dir      string
	Feedback Feedback
}

// GenerateResult is what the generator reports.
type GenerateResult struct {
	Success      bool
	Output       string
	FilesChanged []string
	TokenUsage   job.TokenUsage
	TimedOut     bool
}

// Generator produces a candidate change in a working copy.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// CheckResult is the outcome of waiting for CI.
type CheckResult struct {
	Passed bool
	Detail string
}

// Verifier waits for CI on a pushed ref.
type Verifier interface {
	WaitForChecks(ctx context.Context, repo job.RepoRef, ref string, timeout time.Duration) (*CheckResult, error)
}

// ReviewRequest is one independent review.
type ReviewRequest struct {
	Repo     job.RepoRef
	Dir      string
	Spec     string
	Diff     string
	Security bool
}

// ReviewVerdict is a judged review.
type ReviewVerdict struct {
	Passed     bool
	Scores     []job.DimensionScore
	Findings   []job.Finding
	Advice     string
	Raw        string
	TokenUsage job.TokenUsage
}

// Reviewer judges a diff. An error means the reviewer could not run, which
// is distinct from a failing verdict.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*ReviewVerdict, error)
}

// Packager manages the pull request for a job branch.
type Packager interface {
	// CreateOrReuse returns the open pull request for branch, creating it if
	// none exists.
	CreateOrReuse(ctx context.Context, repo job.RepoRef, branch, base, title, body string) (int, error)
	// Finalize marks the pull request ready for merge.
	Finalize(ctx context.Context, repo job.RepoRef, artifactID int) error
	AutoMerge(ctx context.Context, repo job.RepoRef, artifactID int) error
}

// LeakScanner reports secrets added by a diff. dir is the working copy, for
// repository allowlists. Each returned string describes one finding.
type LeakScanner interface {
	ScanDiff(ctx context.Context, dir, diff string) ([]string, error)
}

// PolicySource looks up repository policies.
type PolicySource interface {
	Policy(repo job.RepoRef) (job.RepositoryPolicy, bool)
}

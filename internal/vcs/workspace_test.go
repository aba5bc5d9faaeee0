package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

var acme = job.RepoRef{Owner: "acme", Name: "api"}

// newOrigin creates a repository with one commit on main.
func newOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# api\n"), 0o644))
	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	sig := &object.Signature{Name: "origin", Email: "origin@example.com", When: time.Now()}
	_, err = wt.Commit("initial", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
	return dir
}

func newWorkspace(t *testing.T, origin string) *Workspace {
	t.Helper()
	w, err := New(Options{
		Root:         t.TempDir(),
		AuthorName:   "issuepilot",
		AuthorEmail:  "bot@example.com",
		BranchPrefix: "issuepilot/",
		RemoteURL:    func(job.RepoRef) string { return origin },
		Clock:        clock.Fake(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return w
}

func TestBranchName(t *testing.T) {
	w, err := New(Options{Root: t.TempDir(), BranchPrefix: "issuepilot/"})
	require.NoError(t, err)

	tests := []struct {
		title string
		want  string
	}{
		{"Add rate limiting", "issuepilot/42-add-rate-limiting"},
		{"  Fix: nil *pointer* deref!! ", "issuepilot/42-fix-nil-pointer-deref"},
		{"", "issuepilot/42"},
		{"日本語", "issuepilot/42"},
		{"a very long title that keeps going well past the slug limit", "issuepilot/42-a-very-long-title-that-keeps-going-well"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, w.BranchName(42, tt.title))
		})
	}
}

func TestWorkspace_Lifecycle(t *testing.T) {
	ctx := context.Background()
	origin := newOrigin(t)
	w := newWorkspace(t, origin)

	dir, err := w.Prepare(ctx, acme, "main")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "README.md"))

	branch := w.BranchName(42, "Add limiter")
	require.NoError(t, w.EnsureBranch(ctx, dir, branch, "main"))

	_, changed, err := w.CommitAll(ctx, dir, "nothing")
	require.NoError(t, err)
	assert.False(t, changed, "clean tree must not commit")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "limiter.go"), []byte("package api\n\n// hello\n"), 0o644))
	sha, changed, err := w.CommitAll(ctx, dir, "Add limiter (#42)")
	require.NoError(t, err)
	require.True(t, changed)
	assert.Len(t, sha, 40)

	diff, err := w.Diff(ctx, dir, "main")
	require.NoError(t, err)
	assert.Contains(t, diff, "limiter.go")
	assert.Contains(t, diff, "+// hello")
	assert.NotContains(t, diff, "README.md")

	require.NoError(t, w.Push(ctx, dir, branch))
	or, err := git.PlainOpen(origin)
	require.NoError(t, err)
	ref, err := or.Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(t, err)
	assert.Equal(t, sha, ref.Hash().String())

	// A second run reuses the clone and the branch.
	dir2, err := w.Prepare(ctx, acme, "main")
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("leftover"), 0o644))
	require.NoError(t, w.EnsureBranch(ctx, dir, branch, "main"))
	assert.NoFileExists(t, filepath.Join(dir, "scratch.txt"))
	assert.FileExists(t, filepath.Join(dir, "limiter.go"))
}

func TestWorkspace_PrepareUnknownTarget(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t, newOrigin(t))

	_, err := w.Prepare(ctx, acme, "main")
	require.NoError(t, err)
	_, err = w.Prepare(ctx, acme, "release")
	assert.Error(t, err)
}

func TestWorkspace_CloneFailureLeavesNoDirectory(t *testing.T) {
	w := newWorkspace(t, filepath.Join(t.TempDir(), "missing"))

	_, err := w.Prepare(context.Background(), acme, "main")
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(w.opts.Root, "acme", "api"))
}

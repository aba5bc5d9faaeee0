// Package vcs manages per-repository working copies with go-git.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/config"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

const (
	remoteName = "origin"
	maxSlugLen = 40
)

// Options configures a Workspace.
type Options struct {
	// Root holds one clone per repository at <root>/<owner>/<name>.
	Root         string
	AuthorName   string
	AuthorEmail  string
	BranchPrefix string
	// Token authenticates HTTPS clone and push.
	Token config.Secret
	// RemoteURL maps a repository to its clone URL.
	// Default: https://github.com/<owner>/<name>.git
	RemoteURL func(job.RepoRef) string
	Clock     clock.Clock
	Logger    *logging.Logger
}

// Workspace implements the engine's working-copy collaborator.
type Workspace struct {
	opts  Options
	locks sync.Map // dir -> *sync.Mutex
}

// New creates a Workspace rooted at opts.Root.
func New(opts Options) (*Workspace, error) {
	if opts.Root == "" {
		return nil, errors.New("workspace root not set")
	}
	if opts.RemoteURL == nil {
		opts.RemoteURL = func(r job.RepoRef) string {
			return fmt.Sprintf("https://github.com/%s/%s.git", r.Owner, r.Name)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	opts.Logger = opts.Logger.Named("vcs")
	return &Workspace{opts: opts}, nil
}

func (w *Workspace) lock(dir string) func() {
	m, _ := w.locks.LoadOrStore(dir, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Prepare clones the repository on first use and fetches it afterwards.
func (w *Workspace) Prepare(ctx context.Context, repo job.RepoRef, targetBranch string) (string, error) {
	dir := filepath.Join(w.opts.Root, repo.Owner, repo.Name)
	defer w.lock(dir)()

	url := w.opts.RemoteURL(repo)
	r, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", fmt.Errorf("create workspace: %w", err)
		}
		w.opts.Logger.Info(ctx, "cloning repository", zap.String("repo", repo.String()), zap.String("dir", dir))
		_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:        url,
			Auth:       w.auth(url),
			RemoteName: remoteName,
		})
		if err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("clone %s: %w", repo, err)
		}
		return dir, nil
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", dir, err)
	}

	err = r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       w.auth(url),
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetch %s: %w", repo, err)
	}
	if _, err := resolve(r, remoteRef(targetBranch), localRef(targetBranch)); err != nil {
		return "", fmt.Errorf("target branch %q: %w", targetBranch, err)
	}
	return dir, nil
}

// BranchName returns <prefix><issue>-<slug of title>.
func (w *Workspace) BranchName(issue int, title string) string {
	name := w.opts.BranchPrefix + strconv.Itoa(issue)
	if s := slug(title); s != "" {
		name += "-" + s
	}
	return name
}

// EnsureBranch checks out branch and discards uncommitted leftovers. A
// missing branch is created from its remote copy when one was pushed
// before, otherwise from base.
func (w *Workspace) EnsureBranch(ctx context.Context, dir, branch, base string) error {
	defer w.lock(dir)()

	r, wt, err := open(dir)
	if err != nil {
		return err
	}

	co := &git.CheckoutOptions{Branch: localRef(branch), Force: true}
	if _, err := r.Reference(localRef(branch), true); errors.Is(err, plumbing.ErrReferenceNotFound) {
		from, err := resolve(r, remoteRef(branch), remoteRef(base), localRef(base))
		if err != nil {
			return fmt.Errorf("base %q: %w", base, err)
		}
		co.Create = true
		co.Hash = from
		w.opts.Logger.Debug(ctx, "creating branch", zap.String("branch", branch), zap.String("from", from.String()))
	} else if err != nil {
		return err
	}
	if err := wt.Checkout(co); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean %s: %w", dir, err)
	}
	return nil
}

// CommitAll stages every change and commits it. ok is false when the tree
// was already clean.
func (w *Workspace) CommitAll(ctx context.Context, dir, message string) (string, bool, error) {
	defer w.lock(dir)()

	_, wt, err := open(dir)
	if err != nil {
		return "", false, err
	}
	st, err := wt.Status()
	if err != nil {
		return "", false, fmt.Errorf("status: %w", err)
	}
	if st.IsClean() {
		return "", false, nil
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", false, fmt.Errorf("stage: %w", err)
	}
	sig := &object.Signature{Name: w.opts.AuthorName, Email: w.opts.AuthorEmail, When: w.opts.Clock.Now()}
	h, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	w.opts.Logger.Debug(ctx, "committed", zap.String("sha", h.String()))
	return h.String(), true, nil
}

// Diff returns the patch from the merge base of HEAD and base to HEAD.
func (w *Workspace) Diff(ctx context.Context, dir, base string) (string, error) {
	defer w.lock(dir)()

	r, _, err := open(dir)
	if err != nil {
		return "", err
	}
	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	to, err := r.CommitObject(head.Hash())
	if err != nil {
		return "", err
	}
	bh, err := resolve(r, remoteRef(base), localRef(base))
	if err != nil {
		return "", fmt.Errorf("base %q: %w", base, err)
	}
	from, err := r.CommitObject(bh)
	if err != nil {
		return "", err
	}
	if mb, err := from.MergeBase(to); err == nil && len(mb) > 0 {
		from = mb[0]
	}
	patch, err := from.PatchContext(ctx, to)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	return patch.String(), nil
}

// Push force-pushes branch to the remote. The job branch is owned by the
// job, so history rewrites by retries are expected.
func (w *Workspace) Push(ctx context.Context, dir, branch string) error {
	defer w.lock(dir)()

	r, _, err := open(dir)
	if err != nil {
		return err
	}
	remote, err := r.Remote(remoteName)
	if err != nil {
		return err
	}
	var url string
	if urls := remote.Config().URLs; len(urls) > 0 {
		url = urls[0]
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", localRef(branch), localRef(branch)))
	err = r.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       w.auth(url),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

func (w *Workspace) auth(url string) transport.AuthMethod {
	if !w.opts.Token.IsSet() || !strings.HasPrefix(url, "https://") {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: w.opts.Token.Value()}
}

func open(dir string) (*git.Repository, *git.Worktree, error) {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dir, err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("worktree %s: %w", dir, err)
	}
	return r, wt, nil
}

// resolve returns the hash of the first reference that exists.
func resolve(r *git.Repository, names ...plumbing.ReferenceName) (plumbing.Hash, error) {
	for _, n := range names {
		ref, err := r.Reference(n, true)
		if err == nil {
			return ref.Hash(), nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, err
		}
	}
	return plumbing.ZeroHash, plumbing.ErrReferenceNotFound
}

func localRef(branch string) plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(branch)
}

func remoteRef(branch string) plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(remoteName, branch)
}

func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(title) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := b.String()
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	return strings.Trim(s, "-")
}

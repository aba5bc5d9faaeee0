package tracker

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/admission"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// ListOpenArtifacts returns open pull requests whose head branch starts with
// branchPrefix and that carry label. An empty label matches every such pull
// request.
func (c *Client) ListOpenArtifacts(ctx context.Context, repo job.RepoRef, branchPrefix, label string) ([]admission.Artifact, error) {
	prs, err := c.listPulls(ctx, repo, &github.PullRequestListOptions{State: "open"})
	if err != nil {
		return nil, err
	}
	var out []admission.Artifact
	for _, pr := range prs {
		ref := pr.GetHead().GetRef()
		if !strings.HasPrefix(ref, branchPrefix) {
			continue
		}
		if label != "" && !hasLabel(pr.Labels, label) {
			continue
		}
		out = append(out, admission.Artifact{Number: pr.GetNumber(), Branch: ref})
	}
	return out, nil
}

// CreateOrReuse returns the open pull request for branch, opening one when
// none exists. Either way it carries the pending label.
func (c *Client) CreateOrReuse(ctx context.Context, repo job.RepoRef, branch, base, title, body string) (int, error) {
	existing, err := c.listPulls(ctx, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  repo.Owner + ":" + branch,
	})
	if err != nil {
		return 0, err
	}

	var number int
	if len(existing) > 0 {
		number = existing[0].GetNumber()
		c.logger.Info(ctx, "reusing open pull request", zap.String("branch", branch), zap.Int("pull", number))
	} else {
		var pr *github.PullRequest
		_, err := c.call(ctx, "pulls.create", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			pr, resp, err = c.gh.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
				Title: github.String(title),
				Head:  github.String(branch),
				Base:  github.String(base),
				Body:  github.String(body),
			})
			return resp, err
		})
		if err != nil {
			return 0, fmt.Errorf("create pull request for %s in %s: %w", branch, repo, err)
		}
		number = pr.GetNumber()
		c.logger.Info(ctx, "pull request opened", zap.String("branch", branch), zap.Int("pull", number))
	}

	if err := c.AddLabel(ctx, repo, number, c.labels.Pending); err != nil {
		return 0, err
	}
	return number, nil
}

// Finalize swaps the pending label for the ready label, which releases the
// repository gate.
func (c *Client) Finalize(ctx context.Context, repo job.RepoRef, number int) error {
	if err := c.AddLabel(ctx, repo, number, c.labels.Ready); err != nil {
		return err
	}
	return c.RemoveLabel(ctx, repo, number, c.labels.Pending)
}

// AutoMerge squash-merges the pull request.
func (c *Client) AutoMerge(ctx context.Context, repo job.RepoRef, number int) error {
	var res *github.PullRequestMergeResult
	_, err := c.call(ctx, "pulls.merge", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		res, resp, err = c.gh.PullRequests.Merge(ctx, repo.Owner, repo.Name, number, "", &github.PullRequestOptions{MergeMethod: "squash"})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("merge %s#%d: %w", repo, number, err)
	}
	if !res.GetMerged() {
		return fmt.Errorf("merge %s#%d: %s", repo, number, res.GetMessage())
	}
	return nil
}

func (c *Client) listPulls(ctx context.Context, repo job.RepoRef, opts *github.PullRequestListOptions) ([]*github.PullRequest, error) {
	opts.ListOptions = github.ListOptions{PerPage: 100}
	var out []*github.PullRequest
	for {
		var page []*github.PullRequest
		resp, err := c.call(ctx, "pulls.list", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			page, resp, err = c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list pull requests in %s: %w", repo, err)
		}
		out = append(out, page...)
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func hasLabel(labels []*github.Label, name string) bool {
	return slices.ContainsFunc(labels, func(l *github.Label) bool { return l.GetName() == name })
}

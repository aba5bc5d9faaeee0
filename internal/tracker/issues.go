package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/admission"
	"github.com/fyrsmithlabs/issuepilot/internal/deps"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// Issue returns the live state of an issue, including its native
// "blocked by" links.
func (c *Client) Issue(ctx context.Context, repo job.RepoRef, number int) (*deps.IssueState, error) {
	var issue *github.Issue
	resp, err := c.call(ctx, "issues.get", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = c.gh.Issues.Get(ctx, repo.Owner, repo.Name, number)
		return resp, err
	})
	if isNotFound(resp) {
		return nil, fmt.Errorf("%s#%d: %w", repo, number, deps.ErrIssueNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}

	st := &deps.IssueState{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		Open:   issue.GetState() == "open",
	}
	for _, l := range issue.Labels {
		st.Labels = append(st.Labels, l.GetName())
	}

	native, err := c.nativeBlockers(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	st.NativeBlockers = native
	return st, nil
}

// nativeBlockers reads the issue dependencies API. Hosts without it report
// no links, so the body text is used instead.
func (c *Client) nativeBlockers(ctx context.Context, repo job.RepoRef, number int) ([]int, error) {
	u := fmt.Sprintf("repos/%s/%s/issues/%d/dependencies/blocked_by", repo.Owner, repo.Name, number)
	var out []int
	page := 1
	for {
		req, err := c.gh.NewRequest(http.MethodGet, fmt.Sprintf("%s?per_page=100&page=%d", u, page), nil)
		if err != nil {
			return nil, err
		}
		var issues []*github.Issue
		resp, err := c.call(ctx, "issues.blocked_by", func() (*github.Response, error) {
			issues = nil
			return c.gh.Do(ctx, req, &issues)
		})
		if isNotFound(resp) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list blockers of %s#%d: %w", repo, number, err)
		}
		for _, is := range issues {
			if from, ok := issueRepo(is); ok && !sameRepo(from, repo) {
				// Blockers are tracked by number within one repository.
				if is.GetState() != "closed" {
					c.logger.Warn(ctx, "ignoring open blocker in another repository",
						zap.String("repo", repo.String()),
						zap.Int("issue", number),
						zap.String("blocker", fmt.Sprintf("%s#%d", from, is.GetNumber())))
				}
				continue
			}
			out = append(out, is.GetNumber())
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		page = resp.NextPage
	}
}

// issueRepo reports the repository an issue belongs to, when the payload
// names it.
func issueRepo(is *github.Issue) (job.RepoRef, bool) {
	if full := is.GetRepository().GetFullName(); full != "" {
		r, err := job.ParseRepoRef(full)
		return r, err == nil
	}
	_, full, ok := strings.Cut(is.GetRepositoryURL(), "/repos/")
	if !ok {
		return job.RepoRef{}, false
	}
	r, err := job.ParseRepoRef(strings.TrimSuffix(full, "/"))
	return r, err == nil
}

func sameRepo(a, b job.RepoRef) bool {
	return strings.EqualFold(a.Owner, b.Owner) && strings.EqualFold(a.Name, b.Name)
}

// ListCandidates returns open issues carrying label. Pull requests are
// skipped.
func (c *Client) ListCandidates(ctx context.Context, repo job.RepoRef, label string) ([]admission.Candidate, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      []string{label},
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []admission.Candidate
	for {
		var issues []*github.Issue
		resp, err := c.call(ctx, "issues.list", func() (*github.Response, error) {
			var resp *github.Response
			var err error
			issues, resp, err = c.gh.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list candidates in %s: %w", repo, err)
		}
		for _, is := range issues {
			if is.IsPullRequest() {
				continue
			}
			out = append(out, admission.Candidate{Number: is.GetNumber(), Title: is.GetTitle()})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// AddLabel adds label to an issue or pull request.
func (c *Client) AddLabel(ctx context.Context, repo job.RepoRef, number int, label string) error {
	_, err := c.call(ctx, "issues.add_label", func() (*github.Response, error) {
		_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, number, []string{label})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("add label %q to %s#%d: %w", label, repo, number, err)
	}
	return nil
}

// RemoveLabel removes label. A label that is not present is not an error.
func (c *Client) RemoveLabel(ctx context.Context, repo job.RepoRef, number int, label string) error {
	resp, err := c.call(ctx, "issues.remove_label", func() (*github.Response, error) {
		return c.gh.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label)
	})
	if isNotFound(resp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove label %q from %s#%d: %w", label, repo, number, err)
	}
	return nil
}

// Comment posts a comment.
func (c *Client) Comment(ctx context.Context, repo job.RepoRef, number int, body string) error {
	_, err := c.call(ctx, "issues.comment", func() (*github.Response, error) {
		_, resp, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: github.String(body)})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo, number, err)
	}
	return nil
}

// CreateFollowUp opens a new issue and returns its number.
func (c *Client) CreateFollowUp(ctx context.Context, repo job.RepoRef, title, body string, labels []string) (int, error) {
	req := &github.IssueRequest{Title: github.String(title), Body: github.String(body)}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	var issue *github.Issue
	_, err := c.call(ctx, "issues.create", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		issue, resp, err = c.gh.Issues.Create(ctx, repo.Owner, repo.Name, req)
		return resp, err
	})
	if err != nil {
		return 0, fmt.Errorf("create issue in %s: %w", repo, err)
	}
	c.logger.Info(ctx, "follow-up issue created", zap.String("repo", repo.String()), zap.Int("issue", issue.GetNumber()))
	return issue.GetNumber(), nil
}

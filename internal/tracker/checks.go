package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/engine"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// checkState is the combined CI state of a ref at one poll.
type checkState struct {
	reported bool
	pending  []string
	failed   []string
	passed   int
}

// WaitForChecks polls check runs and commit statuses on ref until all have
// finished or timeout passes. A ref that reports no checks within the grace
// period passes.
func (c *Client) WaitForChecks(ctx context.Context, repo job.RepoRef, ref string, timeout time.Duration) (*engine.CheckResult, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		st, err := c.checkState(ctx, repo, ref)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start)
		switch {
		case len(st.failed) > 0:
			checkWaits.WithLabelValues("failed").Observe(elapsed.Seconds())
			return &engine.CheckResult{Passed: false, Detail: strings.Join(st.failed, "\n\n")}, nil
		case st.reported && len(st.pending) == 0:
			checkWaits.WithLabelValues("passed").Observe(elapsed.Seconds())
			return &engine.CheckResult{Passed: true, Detail: fmt.Sprintf("%d checks passed", st.passed)}, nil
		case !st.reported && elapsed >= c.grace:
			checkWaits.WithLabelValues("none").Observe(elapsed.Seconds())
			return &engine.CheckResult{Passed: true, Detail: "no checks reported"}, nil
		case timeout > 0 && time.Now().After(deadline):
			checkWaits.WithLabelValues("timeout").Observe(elapsed.Seconds())
			return &engine.CheckResult{
				Passed: false,
				Detail: fmt.Sprintf("checks still pending after %s: %s", timeout, strings.Join(st.pending, ", ")),
			}, nil
		}

		c.logger.Debug(ctx, "waiting for checks",
			zap.String("ref", ref),
			zap.Strings("pending", st.pending),
			zap.Duration("elapsed", elapsed))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) checkState(ctx context.Context, repo job.RepoRef, ref string) (*checkState, error) {
	st := &checkState{}

	var runs *github.ListCheckRunsResults
	_, err := c.call(ctx, "checks.list", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		runs, resp, err = c.gh.Checks.ListCheckRunsForRef(ctx, repo.Owner, repo.Name, ref, &github.ListCheckRunsOptions{
			Filter:      github.String("latest"),
			ListOptions: github.ListOptions{PerPage: 100},
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("list check runs for %s: %w", ref, err)
	}
	for _, run := range runs.CheckRuns {
		st.reported = true
		if run.GetStatus() != "completed" {
			st.pending = append(st.pending, run.GetName())
			continue
		}
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
			st.passed++
		default:
			st.failed = append(st.failed, runFailure(run))
		}
	}

	var combined *github.CombinedStatus
	_, err = c.call(ctx, "statuses.combined", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		combined, resp, err = c.gh.Repositories.GetCombinedStatus(ctx, repo.Owner, repo.Name, ref, &github.ListOptions{PerPage: 100})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("get combined status for %s: %w", ref, err)
	}
	for _, s := range combined.Statuses {
		st.reported = true
		switch s.GetState() {
		case "success":
			st.passed++
		case "pending":
			st.pending = append(st.pending, s.GetContext())
		default:
			st.failed = append(st.failed, fmt.Sprintf("%s: %s\n%s", s.GetContext(), s.GetState(), s.GetDescription()))
		}
	}
	sort.Strings(st.pending)
	sort.Strings(st.failed)
	return st, nil
}

// runFailure extracts what a generator needs to fix a failed check.
func runFailure(run *github.CheckRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", run.GetName(), run.GetConclusion())
	out := run.GetOutput()
	for _, s := range []string{out.GetTitle(), out.GetSummary(), out.GetText()} {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) > 3000 {
			s = "…" + s[len(s)-3000:]
		}
		b.WriteString("\n")
		b.WriteString(s)
	}
	return b.String()
}

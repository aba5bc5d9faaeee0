package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/issuepilot/internal/engine"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// verdict is the JSON object a review command must print last.
type verdict struct {
	Passed   *bool                `json:"passed"`
	Scores   []job.DimensionScore `json:"scores"`
	Findings []job.Finding        `json:"findings"`
	Advice   string               `json:"advice"`
	Usage    *usage               `json:"usage"`
}

// blocking severities reject a change when the command omits "passed".
var blocking = map[string]bool{
	"critical": true,
	"high":     true,
	"major":    true,
	"blocker":  true,
}

// Reviewer runs an independent review command over a diff.
type Reviewer struct {
	r runner
}

// NewReviewer returns a Reviewer running argv.
func NewReviewer(argv, env []string, logger *logging.Logger) *Reviewer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reviewer{r: runner{argv: argv, env: env, logger: logger.Named("reviewer")}}
}

// Review returns the command's verdict. Any failure to obtain a verdict,
// including a timeout, a non-zero exit or missing JSON, is an error: the
// reviewer was unavailable, which is not a rejection.
func (rv *Reviewer) Review(ctx context.Context, req engine.ReviewRequest) (*engine.ReviewVerdict, error) {
	env := repoEnv(req.Repo)
	if req.Security {
		env = append(env, "ISSUEPILOT_SECURITY_REVIEW=1")
	}
	out, err := rv.r.run(ctx, req.Dir, reviewPrompt(req), env...)
	if err != nil {
		return nil, err
	}
	if out.timedOut {
		return nil, fmt.Errorf("review timed out after %s", out.elapsed.Round(time.Second))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if out.exitCode != 0 {
		return nil, fmt.Errorf("review exited with code %d: %s", out.exitCode, strings.TrimSpace(out.stderr))
	}

	var v verdict
	if !lastJSON(out.stdout, &v) {
		return nil, errors.New("review produced no verdict")
	}
	passed := true
	if v.Passed != nil {
		passed = *v.Passed
	} else {
		for _, f := range v.Findings {
			if blocking[strings.ToLower(f.Severity)] {
				passed = false
				break
			}
		}
	}
	return &engine.ReviewVerdict{
		Passed:     passed,
		Scores:     v.Scores,
		Findings:   v.Findings,
		Advice:     v.Advice,
		Raw:        out.stdout,
		TokenUsage: v.Usage.tokens(),
	}, nil
}

func reviewPrompt(req engine.ReviewRequest) string {
	var b strings.Builder
	b.WriteString("Review the change below against the task it claims to implement.\n")
	if req.Security {
		b.WriteString("Include a security review: injection, authentication, secrets handling and unsafe input.\n")
	}
	b.WriteString("Print your verdict as a single JSON object on the last line of output.\n\n")
	b.WriteString("## Task\n\n")
	b.WriteString(req.Spec)
	b.WriteString("\n\n## Diff\n\n```diff\n")
	b.WriteString(req.Diff)
	b.WriteString("\n```\n")
	return b.String()
}

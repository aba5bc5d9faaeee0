package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/issuepilot/internal/engine"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// generateReport is the optional report a generation command prints.
type generateReport struct {
	Success      *bool    `json:"success"`
	Summary      string   `json:"summary"`
	FilesChanged []string `json:"files_changed"`
	Usage        *usage   `json:"usage"`
}

// Generator runs a command that edits the working copy in place.
type Generator struct {
	r runner
}

// NewGenerator returns a Generator running argv. env is appended to the
// process environment.
func NewGenerator(argv, env []string, logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Generator{r: runner{argv: argv, env: env, logger: logger.Named("generator")}}
}

// Generate runs the command with the task and any feedback on stdin. A
// command that exits non-zero, or reports success=false, failed. Running
// out of time is reported as a failed, timed-out result rather than an
// error.
func (g *Generator) Generate(ctx context.Context, req engine.GenerateRequest) (*engine.GenerateResult, error) {
	out, err := g.r.run(ctx, req.Dir, generatePrompt(req),
		append(repoEnv(req.Repo), "ISSUEPILOT_ISSUE="+strconv.Itoa(req.Issue))...)
	if err != nil {
		return nil, err
	}
	res := &engine.GenerateResult{
		Success:  out.exitCode == 0 && !out.timedOut,
		Output:   out.stdout,
		TimedOut: out.timedOut,
	}
	if out.exitCode != 0 && out.stderr != "" {
		res.Output = fmt.Sprintf("%s\nexit code %d\n%s", out.stdout, out.exitCode, out.stderr)
	}

	var rep generateReport
	if lastJSON(out.stdout, &rep) {
		if rep.Success != nil && !*rep.Success {
			res.Success = false
		}
		if rep.Summary != "" {
			res.Output = rep.Summary
		}
		res.FilesChanged = rep.FilesChanged
		res.TokenUsage = rep.Usage.tokens()
	}
	return res, nil
}

func generatePrompt(req engine.GenerateRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if !req.Feedback.Empty() {
		b.WriteString("\n\n## Feedback from the previous attempt\n\n")
		b.WriteString(req.Feedback.String())
	}
	b.WriteString("\n")
	return b.String()
}

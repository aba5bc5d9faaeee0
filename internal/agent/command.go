// Package agent runs external generation and review commands.
//
// Both commands receive their prompt on stdin and run in the job's working
// copy. They may print anything; the last JSON object on stdout is their
// structured report.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// ErrNoCommand is returned when a collaborator has no command configured.
var ErrNoCommand = errors.New("no command configured")

// output is the captured result of one command run.
type output struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
	elapsed  time.Duration
}

// runner executes a configured argv.
type runner struct {
	argv   []string
	env    []string
	logger *logging.Logger
}

func (r *runner) run(ctx context.Context, dir, stdin string, env ...string) (*output, error) {
	if len(r.argv) == 0 {
		return nil, ErrNoCommand
	}
	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(append(os.Environ(), r.env...), env...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &output{
		stdout:  stdout.String(),
		stderr:  stderr.String(),
		elapsed: time.Since(start),
	}
	if ctx.Err() != nil {
		out.timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		r.logger.Warn(ctx, "command interrupted",
			zap.String("command", r.argv[0]),
			zap.Duration("elapsed", out.elapsed),
			zap.Bool("timed_out", out.timedOut))
		return out, nil
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		out.exitCode = exitErr.ExitCode()
	case err != nil:
		return nil, fmt.Errorf("run %s: %w", r.argv[0], err)
	}
	r.logger.Debug(ctx, "command finished",
		zap.String("command", r.argv[0]),
		zap.Int("exit_code", out.exitCode),
		zap.Duration("elapsed", out.elapsed))
	return out, nil
}

// lastJSON decodes the last line of s that holds a JSON object into v. It
// reports whether one was found.
func lastJSON(s string, v any) bool {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if json.Unmarshal([]byte(line), v) == nil {
			return true
		}
	}
	// A pretty-printed object spans lines; try the trailing block.
	if i := strings.LastIndex(s, "\n{"); i >= 0 {
		return json.Unmarshal([]byte(strings.TrimSpace(s[i:])), v) == nil
	}
	if strings.HasPrefix(strings.TrimSpace(s), "{") {
		return json.Unmarshal([]byte(strings.TrimSpace(s)), v) == nil
	}
	return false
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *usage) tokens() job.TokenUsage {
	if u == nil {
		return job.TokenUsage{}
	}
	return job.TokenUsage{Input: u.InputTokens, Output: u.OutputTokens}
}

func repoEnv(repo job.RepoRef) []string {
	return []string{
		"ISSUEPILOT_REPO=" + repo.String(),
		"ISSUEPILOT_REPO_OWNER=" + repo.Owner,
		"ISSUEPILOT_REPO_NAME=" + repo.Name,
	}
}

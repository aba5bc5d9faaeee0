package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/issuepilot/internal/deps"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
	"github.com/fyrsmithlabs/issuepilot/internal/tracker"
)

var chainJSON bool

// chainCmd prints the blocker chain of an issue straight from GitHub.
var chainCmd = &cobra.Command{
	Use:   "chain <owner/name> <issue>",
	Short: "Show the open blockers of an issue in the order they must finish",
	Long: `Resolve the blocking chain of an issue from GitHub, using both native
issue dependencies and "Blocked by #N" declarations in issue bodies. Does not
need a running server, only a GitHub token.

Examples:
  ISSUEPILOT_GITHUB_TOKEN=... issuepilot chain acme/widgets 42`,
	Args: cobra.ExactArgs(2),
	RunE: runChain,
}

func init() {
	chainCmd.Flags().BoolVar(&chainJSON, "json", false, "print the chain as JSON")
}

func runChain(cmd *cobra.Command, args []string) error {
	repo, err := job.ParseRepoRef(args[0])
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(strings.TrimPrefix(args[1], "#"))
	if err != nil || number <= 0 {
		return fmt.Errorf("invalid issue number %q", args[1])
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, logging.OutputStderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tc, err := tracker.New(ctx, cfg.GitHub.Token, tracker.Options{
		BaseURL: cfg.GitHub.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	return printChain(ctx, cmd.OutOrStdout(), deps.NewResolver(tc, logger), repo, number)
}

// chainResolver is the part of deps.Resolver the chain command uses.
type chainResolver interface {
	Chain(ctx context.Context, repo job.RepoRef, number int) (*deps.Chain, error)
}

func printChain(ctx context.Context, out io.Writer, r chainResolver, repo job.RepoRef, number int) error {
	chain, err := r.Chain(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("resolve chain for %s#%d: %w", repo, number, err)
	}
	if chainJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(chain)
	}

	if len(chain.Order) == 0 {
		fmt.Fprintf(out, "%s#%d is closed or does not exist\n", repo, number)
		return nil
	}
	if len(chain.Unresolved) == 0 {
		fmt.Fprintf(out, "%s#%d has no open blockers\n", repo, number)
	} else {
		fmt.Fprintf(out, "%s#%d is blocked by %s\n", repo, number, issueList(chain.Unresolved))
	}
	fmt.Fprintln(out, "Order:")
	for i, id := range chain.Order {
		fmt.Fprintf(out, "  %d. #%d\n", i+1, id)
	}
	for _, edge := range chain.Cycles {
		fmt.Fprintf(out, "Warning: cycle closed by #%d -> #%d\n", edge[0], edge[1])
	}
	return nil
}

func issueList(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "#" + strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

var _ chainResolver = (*deps.Resolver)(nil)

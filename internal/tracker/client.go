// Package tracker implements the issue tracker, packaging and CI
// collaborators on the GitHub REST API.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/issuepilot/internal/config"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// Labels are the pull request labels the packager manages.
type Labels struct {
	// Pending marks a pull request that is not finalized. Its presence on an
	// open pull request closes the repository gate.
	Pending string
	Ready   string
}

// Options configures a Client.
type Options struct {
	// BaseURL targets GitHub Enterprise. Empty means github.com.
	BaseURL string
	Retry   RetryConfig
	Labels  Labels
	// PollInterval is how often CI state is polled.
	PollInterval time.Duration
	// NoChecksGrace is how long to wait for the first check to appear before
	// a ref without CI is treated as passing.
	NoChecksGrace time.Duration
	Logger        *logging.Logger
}

// Client talks to GitHub with retries and rate-limit backoff.
type Client struct {
	gh     *github.Client
	retry  RetryConfig
	labels Labels
	poll   time.Duration
	grace  time.Duration
	logger *logging.Logger
}

// New creates a Client authenticated with a static token.
func New(ctx context.Context, token config.Secret, opts Options) (*Client, error) {
	if !token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	if opts.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
	}
	return NewWithClient(gh, opts), nil
}

// NewWithClient wraps an existing go-github client.
func NewWithClient(gh *github.Client, opts Options) *Client {
	opts.Retry.ApplyDefaults()
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.NoChecksGrace <= 0 {
		opts.NoChecksGrace = 2 * time.Minute
	}
	if opts.Labels.Pending == "" {
		opts.Labels.Pending = "issuepilot:pending-review"
	}
	if opts.Labels.Ready == "" {
		opts.Labels.Ready = "issuepilot:ready"
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Client{
		gh:     gh,
		retry:  opts.Retry,
		labels: opts.Labels,
		poll:   opts.PollInterval,
		grace:  opts.NoChecksGrace,
		logger: opts.Logger.Named("tracker"),
	}
}

func isNotFound(resp *github.Response) bool {
	code := statusCode(resp)
	return code == http.StatusNotFound || code == http.StatusGone
}

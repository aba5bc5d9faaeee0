package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/agent"
	"github.com/fyrsmithlabs/issuepilot/internal/budget"
	"github.com/fyrsmithlabs/issuepilot/internal/clock"
	"github.com/fyrsmithlabs/issuepilot/internal/config"
	"github.com/fyrsmithlabs/issuepilot/internal/deps"
	"github.com/fyrsmithlabs/issuepilot/internal/engine"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
	"github.com/fyrsmithlabs/issuepilot/internal/logging"
	"github.com/fyrsmithlabs/issuepilot/internal/notify"
	"github.com/fyrsmithlabs/issuepilot/internal/policy"
	"github.com/fyrsmithlabs/issuepilot/internal/secrets"
	"github.com/fyrsmithlabs/issuepilot/internal/store"
	"github.com/fyrsmithlabs/issuepilot/internal/telemetry"
	"github.com/fyrsmithlabs/issuepilot/internal/tracker"
	"github.com/fyrsmithlabs/issuepilot/internal/vcs"
)

// app holds the components shared by the serve and worker commands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     store.Store
	notifier  notify.Publisher
	tracker   *tracker.Client
	policies  *policy.Registry
	resolver  *deps.Resolver
	budget    *budget.Manager
	engine    *engine.Engine

	closers []func(context.Context) error
}

// loadConfig reads the file named by --config, or defaults plus environment
// when no file is given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger maps the user-facing logging section onto the logger defaults.
// output is logging.OutputStdout or logging.OutputStderr.
func newLogger(c config.LoggingConfig, output string) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	lc.Output = output
	level, err := logging.LevelFromString(c.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	if c.Format != "" {
		lc.Format = c.Format
	}
	return logging.NewLogger(lc, nil)
}

// newApp builds everything up to and including the engine. The caller must
// Close the app.
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	logger, err := newLogger(cfg.Logging, logging.OutputStdout)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version), logger)
	if err != nil {
		return a, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, tel.Shutdown)

	if a.store, err = openStore(ctx, cfg.Store, logger); err != nil {
		return a, err
	}
	if c, ok := a.store.(*store.PostgresStore); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	a.notifier = notify.Nop{}
	if cfg.NATS.Enabled {
		nc, err := notify.Connect(cfg.NATS.URL)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, func(context.Context) error { return nc.Drain() })
		a.notifier = notify.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	a.tracker, err = tracker.New(ctx, cfg.GitHub.Token, tracker.Options{
		BaseURL:      cfg.GitHub.BaseURL,
		Retry:        tracker.RetryConfig{MaxRetries: cfg.GitHub.MaxRetries},
		Labels:       tracker.Labels{Pending: cfg.GitHub.PendingLabel, Ready: cfg.GitHub.ReadyLabel},
		PollInterval: cfg.GitHub.PollInterval.Duration(),
		Logger:       logger,
	})
	if err != nil {
		return a, fmt.Errorf("init tracker: %w", err)
	}

	a.policies = policy.NewRegistry(policy.FromConfig(cfg)...)
	a.resolver = deps.NewResolver(a.tracker, logger)
	a.budget = budget.NewManager(a.store, a.tracker, budget.Config{
		Cooldown:        cfg.Budget.Cooldown.Duration(),
		EscalationLabel: cfg.GitHub.EscalationLabel,
		RetryHint:       "Retry with `issuepilot retry <job-id> --feedback \"...\"` once the issue is clarified.",
	}, budget.WithNotifier(a.notifier), budget.WithLogger(logger))

	ws, err := vcs.New(vcs.Options{
		Root:         cfg.Workspace.Root,
		AuthorName:   cfg.Workspace.AuthorName,
		AuthorEmail:  cfg.Workspace.AuthorEmail,
		BranchPrefix: cfg.GitHub.BranchPrefix,
		Token:        cfg.GitHub.Token,
		RemoteURL:    remoteURL(cfg.GitHub.BaseURL),
		Logger:       logger,
	})
	if err != nil {
		return a, fmt.Errorf("init workspace: %w", err)
	}

	d := engine.Deps{
		Store:     a.store,
		Budget:    a.budget,
		Policies:  a.policies,
		Issues:    a.tracker,
		Tracker:   a.tracker,
		Workspace: ws,
		Generator: agent.NewGenerator(cfg.Agent.GenerateCommand, nil, logger),
		Verifier:  a.tracker,
		Packager:  a.tracker,
		Leaks:     secrets.NewScanner(cfg.Agent.LeakAllowlist, logger),
		Notifier:  a.notifier,
		Clock:     clock.Real(),
		Logger:    logger,
		Tracer:    tel.Tracer("github.com/fyrsmithlabs/issuepilot/internal/engine"),
	}
	// A nil Reviewer makes every review an infrastructure error, which the
	// review policy then decides on.
	if len(cfg.Agent.ReviewCommand) > 0 {
		d.Reviewer = agent.NewReviewer(cfg.Agent.ReviewCommand, nil, logger)
	}
	t := cfg.Timeouts
	a.engine, err = engine.New(d, engine.Config{
		Timeouts: engine.Timeouts{
			Setup:      t.Setup.Duration(),
			Generation: t.Generation.Duration(),
			Checks:     t.Checks.Duration(),
			Review:     t.Review.Duration(),
			Tracker:    t.Tracker.Duration(),
		},
		Labels: engine.Labels{
			InProgress: cfg.GitHub.InProgressLabel,
			Candidate:  cfg.GitHub.CandidateLabel,
		},
		ReviewInfraPolicy: engine.ReviewInfraPolicy(cfg.Agent.ReviewInfraPolicy),
		FollowUps:         cfg.Agent.FollowUps,
	})
	if err != nil {
		return a, fmt.Errorf("init engine: %w", err)
	}
	return a, nil
}

func openStore(ctx context.Context, c config.StoreConfig, logger *logging.Logger) (store.Store, error) {
	switch c.Driver {
	case "postgres":
		s, err := store.OpenPostgres(ctx, c.DSN.Value())
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate job store: %w", err)
		}
		logger.Info(ctx, "job store ready", zap.String("driver", c.Driver))
		return s, nil
	case "memory", "":
		logger.Warn(ctx, "using in-memory job store; job history is lost on restart")
		return store.NewMemoryStore(clock.Real()), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// remoteURL derives clone URLs for GitHub Enterprise from the API base URL.
func remoteURL(apiBase string) func(job.RepoRef) string {
	if apiBase == "" {
		return nil
	}
	u, err := url.Parse(apiBase)
	if err != nil || u.Host == "" {
		return nil
	}
	return func(r job.RepoRef) string {
		return fmt.Sprintf("%s://%s/%s/%s.git", u.Scheme, u.Host, r.Owner, r.Name)
	}
}

// health reports component state for the control API.
func (a *app) health() map[string]any {
	return map[string]any{
		"store":     a.cfg.Store.Driver,
		"telemetry": a.telemetry.Health(),
		"nats":      a.cfg.NATS.Enabled,
		"temporal":  a.cfg.Temporal.Enabled,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
	}
	_ = a.logger.Sync()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/admission"
	"github.com/fyrsmithlabs/issuepilot/internal/config"
	httpapi "github.com/fyrsmithlabs/issuepilot/internal/http"
	"github.com/fyrsmithlabs/issuepilot/internal/policy"
	"github.com/fyrsmithlabs/issuepilot/internal/workflows"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admission controller and control API",
	Long: `Run the admission controller, the control API and, unless Temporal
dispatch is enabled, the job engine in this process.

Examples:
  # Serve with a config file
  issuepilot serve --config issuepilot.yaml

  # Start with admission disabled
  ISSUEPILOT_ADMISSION_PAUSED=true issuepilot serve --config issuepilot.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(ctx, cfg)
	},
}

// serve runs until ctx is cancelled, then shuts down in order: admission
// stops first, the control API drains, and in-flight local jobs get the
// shutdown timeout to finish before they are cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	logger := a.logger
	shutdownTimeout := cfg.Server.ShutdownTimeout.Duration()

	// Jobs outlive the signal so they can finish during the grace period.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var (
		dispatcher admission.Dispatcher
		local      *workflows.LocalDispatcher
	)
	if cfg.Temporal.Enabled {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			a.Close(context.Background())
			return fmt.Errorf("unable to create Temporal client: %w", err)
		}
		defer c.Close()
		dispatcher = workflows.NewTemporalDispatcher(c, cfg.Temporal.TaskQueue, 0, logger)
		logger.Info(ctx, "dispatching through temporal",
			zap.String("host", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue))
	} else {
		// Nothing else runs jobs, so anything left in progress was
		// interrupted by the previous process.
		n, err := a.engine.RecoverOrphans(ctx)
		if err != nil {
			a.Close(context.Background())
			return fmt.Errorf("recover orphaned jobs: %w", err)
		}
		if n > 0 {
			logger.Warn(ctx, "failed orphaned jobs", zap.Int("count", n))
		}
		local = workflows.NewLocalDispatcher(jobCtx, a.engine, logger)
		dispatcher = local
	}

	ctrl := admission.New(a.store, a.tracker, a.resolver, a.policies, dispatcher, admission.Config{
		PollInterval:   cfg.Admission.PollInterval.Duration(),
		MaxConcurrent:  cfg.Admission.MaxConcurrent,
		DispatchGrace:  cfg.Admission.DispatchGrace.Duration(),
		CandidateLabel: cfg.GitHub.CandidateLabel,
		PendingLabel:   cfg.GitHub.PendingLabel,
		BranchPrefix:   cfg.GitHub.BranchPrefix,
		Paused:         cfg.Admission.Paused,
	}, admission.WithNotifier(a.notifier), admission.WithLogger(logger))

	srv, err := httpapi.NewServer(httpapi.Deps{
		Store:     a.store,
		Overrides: a.budget,
		Admission: ctrl,
		Policies:  a.policies,
		Health:    a.health,
	}, logger, httpapi.Config{
		Port:          cfg.Server.Port,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		WebhookRate:   cfg.Server.WebhookRate,
		WebhookBurst:  cfg.Server.WebhookBurst,
		Version:       version,
	})
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("init http server: %w", err)
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config, err error) {
				if err != nil {
					logger.Warn(ctx, "config reload rejected", zap.Error(err))
					return
				}
				policies := policy.FromConfig(next)
				a.policies.Replace(policies)
				logger.Info(ctx, "repository policies reloaded", zap.Int("repositories", len(policies)))
			})
			if err != nil {
				logger.Warn(ctx, "config watch stopped", zap.Error(err))
			}
		}()
	}

	admissionDone := make(chan error, 1)
	go func() { admissionDone <- ctrl.Run(ctx) }()
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	logger.Info(ctx, "issuepilot started",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("repositories", len(a.policies.Policies())),
		zap.Bool("admission_enabled", ctrl.Enabled()))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	cancelRun()
	<-admissionDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	if local != nil {
		if err := local.Wait(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "cancelling in-flight jobs", zap.Int64s("jobs", local.Active()))
			cancelJobs()
			_ = local.Wait(context.Background())
		}
	}
	a.Close(shutdownCtx)
	return runErr
}

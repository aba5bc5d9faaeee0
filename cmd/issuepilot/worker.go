package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/config"
	"github.com/fyrsmithlabs/issuepilot/internal/workflows"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run jobs dispatched through Temporal",
	Long: `Run a Temporal worker that executes jobs dispatched by "issuepilot serve"
when temporal.enabled is set. Workers share the Postgres job store with the
server.

Examples:
  issuepilot worker --config issuepilot.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runWorker(ctx, cfg)
	},
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	if !cfg.Temporal.Enabled {
		return errors.New("worker requires temporal.enabled")
	}
	if cfg.Store.Driver != "postgres" {
		return errors.New("worker requires the postgres job store")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.Admission.MaxConcurrent,
	})
	workflows.RegisterWorker(w, a.engine)

	a.logger.Info(ctx, "worker configured",
		zap.String("temporal_host", cfg.Temporal.HostPort),
		zap.String("task_queue", cfg.Temporal.TaskQueue))

	// Run returns after ctx is done and in-flight activities have finished or
	// the worker stop timeout expired.
	stopCh := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()
	if err := w.Run(stopCh); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	a.logger.Info(context.Background(), "worker stopped gracefully")
	return nil
}

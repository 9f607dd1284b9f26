package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/sawpanic/floatwatch/internal/interfaces/http"
	"github.com/sawpanic/floatwatch/internal/pipeline"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingress, dashboards and the scheduler",
		Long: `Starts the webhook ingress, dashboard endpoints, alert stream and background scheduler.
With --workers (the default) the worker pool runs in the same process.`,
		RunE: runServe,
	}
	cmd.Flags().Bool("workers", true, "Also run the worker pool in this process")
	cmd.Flags().Bool("recover-inflight", true, "Requeue jobs left in processing by a previous run (disable when other workers share the queue)")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool and scheduler",
		RunE:  runWorker,
	}
	cmd.Flags().Bool("recover-inflight", false, "Requeue jobs left in processing by a previous run")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	withWorkers, _ := cmd.Flags().GetBool("workers")
	recoverJobs, _ := cmd.Flags().GetBool("recover-inflight")

	server := httpapi.NewServer(cfg.Server, httpapi.Deps{
		Ingestor:  a.ingestor,
		Dashboard: a.dashboard,
		Simulator: a.simulator,
		Refills:   a.ledger,
		Alerts:    a.publisher,
		Database:  a.db.Health(),
		Redis:     a.cache,
		Model:     a.classifier,
		Queue:     a.queue,
		Metrics:   a.metrics,
	})

	tasks := []func(context.Context) error{server.Run, a.scheduler.Start}
	if withWorkers {
		pool := pipeline.NewPool(a.queue, a.processor, a.metrics, cfg.Workers)
		tasks = append(tasks, pool.Run)
	}

	log.Info().Str("version", version).Bool("workers", withWorkers).Msg("floatwatch starting")
	err = a.launch(ctx, withWorkers && recoverJobs, tasks...)
	log.Info().Msg("floatwatch stopped")
	return err
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	recoverJobs, _ := cmd.Flags().GetBool("recover-inflight")
	pool := pipeline.NewPool(a.queue, a.processor, a.metrics, cfg.Workers)

	log.Info().Str("version", version).Int("workers", cfg.Workers.Count).Msg("floatwatch worker starting")
	return a.launch(ctx, recoverJobs, a.scheduler.Start, pool.Run)
}

// launch requeues orphaned jobs first, then runs every task until one fails
// or ctx is cancelled. Nothing starts when recovery fails.
func (a *app) launch(ctx context.Context, recoverJobs bool, tasks ...func(context.Context) error) error {
	if recoverJobs {
		if err := a.recoverInflight(ctx); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}

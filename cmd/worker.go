package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/versified/issuer-enrichment/internal/dispatch"
	"github.com/versified/issuer-enrichment/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker that executes enrichment jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker", true)
		if err != nil {
			return err
		}
		defer env.Close()

		w := dispatch.NewWorker(env.Backend.Client, cfg.Temporal.TaskQueue, env.Pipeline)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return dispatch.RunWorker(gctx, w)
		})
		g.Go(func() error {
			return worker.RunMaintenance(gctx, env.Store, env.Backend.Dispatcher, worker.OptionsFromConfig(cfg.Queue))
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/versified/issuer-enrichment/internal/server"
	"github.com/versified/issuer-enrichment/internal/worker"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (and the embedded worker when no broker is configured)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve", false)
		if err != nil {
			return err
		}
		defer env.Close()

		g, gctx := errgroup.WithContext(ctx)

		srv := server.New(env.Service, cfg.Server)
		g.Go(func() error {
			return srv.Run(gctx, servePort)
		})

		if env.Backend.Embedded() {
			loop := worker.New(env.Store, env.Pipeline, worker.OptionsFromConfig(cfg.Queue))
			g.Go(func() error {
				return loop.Run(gctx)
			})
		} else {
			zap.L().Info("jobs are executed by broker workers")
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

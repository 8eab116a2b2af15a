package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/versified/issuer-enrichment/internal/config"
	"github.com/versified/issuer-enrichment/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	cfg               *config.Config
	telemetryShutdown telemetry.Shutdown
)

var rootCmd = &cobra.Command{
	Use:   "enrichment-cli",
	Short: "Issuer enrichment cache and job queue",
	Long:  "Maintains a cache of bond issuer enrichments (ratings, ESG and vegan classification, summary) populated by background LLM jobs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		shutdown, err := telemetry.Init(commandContext(cmd), cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		telemetryShutdown = shutdown

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetryShutdown(ctx); err != nil {
				zap.L().Warn("telemetry shutdown failed", zap.Error(err))
			}
		}
		_ = zap.L().Sync()
	},
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

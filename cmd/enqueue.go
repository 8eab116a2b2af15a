package main

import (
	"github.com/spf13/cobra"

	"github.com/versified/issuer-enrichment/internal/enrichment"
)

var (
	enqueueContext       string
	enqueueForce         bool
	enqueuePin           bool
	enqueueTTL           int64
	enqueueModel         string
	enqueueNoWeb         bool
	enqueueWebMaxResults int
	enqueueWebEngine     string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <issuer>",
	Short: "Queue an enrichment job, or print the cached record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		env, err := initApp(ctx, "enqueue", false)
		if err != nil {
			return err
		}
		defer env.Close()

		req := enrichment.EnrichmentRequest{
			IssuerName:       args[0],
			Context:          enqueueContext,
			ForceRefresh:     enqueueForce,
			Pinned:           enqueuePin,
			Model:            enqueueModel,
			RatingsWebEngine: enqueueWebEngine,
		}
		if cmd.Flags().Changed("ttl") {
			req.TTLSeconds = &enqueueTTL
		}
		if enqueueNoWeb {
			useWeb := false
			req.RatingsUseWeb = &useWeb
		}
		if cmd.Flags().Changed("web-max-results") {
			req.RatingsWebMaxResults = &enqueueWebMaxResults
		}

		res, err := env.Service.Request(ctx, req)
		if res != nil {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueContext, "context", "", "extra context passed to the profile prompt")
	enqueueCmd.Flags().BoolVar(&enqueueForce, "force", false, "enqueue even when a live cached record exists")
	enqueueCmd.Flags().BoolVar(&enqueuePin, "pin", false, "pin the resulting record so it never expires")
	enqueueCmd.Flags().Int64Var(&enqueueTTL, "ttl", 0, "record TTL in seconds (default from config)")
	enqueueCmd.Flags().StringVar(&enqueueModel, "model", "", "model override")
	enqueueCmd.Flags().BoolVar(&enqueueNoWeb, "no-web", false, "disable web search for the ratings stage")
	enqueueCmd.Flags().IntVar(&enqueueWebMaxResults, "web-max-results", 0, "web search result limit for the ratings stage")
	enqueueCmd.Flags().StringVar(&enqueueWebEngine, "web-engine", "", "web search engine for the ratings stage")
	rootCmd.AddCommand(enqueueCmd)
}

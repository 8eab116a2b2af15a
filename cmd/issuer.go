package main

import (
	"github.com/spf13/cobra"

	"github.com/versified/issuer-enrichment/internal/enrichment"
	"github.com/versified/issuer-enrichment/internal/model"
)

var issuerCmd = &cobra.Command{
	Use:   "issuer",
	Short: "Read or override cached issuer enrichments",
}

var getIncludeExpired bool

var issuerGetCmd = &cobra.Command{
	Use:   "get <issuer>...",
	Short: "Print cached enrichment records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		env, err := initApp(ctx, "admin", false)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			rec, err := env.Service.Get(ctx, args[0], getIncludeExpired)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		}

		items, err := env.Service.GetMany(ctx, args, getIncludeExpired)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"items": items})
	},
}

var (
	overrideSummary          string
	overrideMoodys           string
	overrideFitch            string
	overrideSP               string
	overrideVeganScore       float64
	overrideVeganFriendly    bool
	overrideVeganExplanation string
	overrideESG              string
	overrideSources          []string
	overrideSource           string
	overrideModel            string
	overrideTTL              int64
	overridePin              bool
)

var issuerOverrideCmd = &cobra.Command{
	Use:   "override <issuer>",
	Short: "Write fields directly, bypassing the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		env, err := initApp(ctx, "admin", false)
		if err != nil {
			return err
		}
		defer env.Close()

		req := overrideFromFlags(cmd, args[0])
		if err := env.Service.Override(ctx, req); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"status": "ok"})
	},
}

// overrideFromFlags sets only the fields whose flags were given.
func overrideFromFlags(cmd *cobra.Command, issuer string) enrichment.OverrideRequest {
	f := cmd.Flags()
	req := enrichment.OverrideRequest{
		IssuerName: issuer,
		Source:     overrideSource,
		Model:      overrideModel,
	}
	if f.Changed("summary") {
		req.SummaryMD = model.Ptr(overrideSummary)
	}
	if f.Changed("moodys") {
		req.Moodys = model.Ptr(overrideMoodys)
	}
	if f.Changed("fitch") {
		req.Fitch = model.Ptr(overrideFitch)
	}
	if f.Changed("sp") {
		req.SP = model.Ptr(overrideSP)
	}
	if f.Changed("vegan-score") {
		req.VeganScore = model.Ptr(overrideVeganScore)
	}
	if f.Changed("vegan-friendly") {
		req.VeganFriendly = model.Ptr(overrideVeganFriendly)
	}
	if f.Changed("vegan-explanation") {
		req.VeganExplanation = model.Ptr(overrideVeganExplanation)
	}
	if f.Changed("esg") {
		req.ESGSummary = model.Ptr(overrideESG)
	}
	if f.Changed("sources") {
		req.Sources = overrideSources
	}
	if f.Changed("ttl") {
		req.TTLSeconds = model.Ptr(overrideTTL)
	}
	if f.Changed("pin") {
		req.Pinned = model.Ptr(overridePin)
	}
	return req
}

func init() {
	issuerGetCmd.Flags().BoolVar(&getIncludeExpired, "include-expired", false, "return expired records too")

	f := issuerOverrideCmd.Flags()
	f.StringVar(&overrideSummary, "summary", "", "markdown summary")
	f.StringVar(&overrideMoodys, "moodys", "", "Moody's rating")
	f.StringVar(&overrideFitch, "fitch", "", "Fitch rating")
	f.StringVar(&overrideSP, "sp", "", "S&P rating")
	f.Float64Var(&overrideVeganScore, "vegan-score", 0, "vegan score")
	f.BoolVar(&overrideVeganFriendly, "vegan-friendly", false, "vegan-friendly verdict")
	f.StringVar(&overrideVeganExplanation, "vegan-explanation", "", "vegan verdict explanation")
	f.StringVar(&overrideESG, "esg", "", "ESG summary")
	f.StringSliceVar(&overrideSources, "sources", nil, "source URLs")
	f.StringVar(&overrideSource, "source", "", "provenance source (default manual)")
	f.StringVar(&overrideModel, "model", "", "provenance model")
	f.Int64Var(&overrideTTL, "ttl", 0, "record TTL in seconds (default from config)")
	f.BoolVar(&overridePin, "pin", true, "pin the record")

	issuerCmd.AddCommand(issuerGetCmd)
	issuerCmd.AddCommand(issuerOverrideCmd)
	rootCmd.AddCommand(issuerCmd)
}

package main

import (
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show the status of an enrichment job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		env, err := initApp(ctx, "admin", false)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Service.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var (
	cleanupStaleSeconds int64
	cleanupAction       string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job queue maintenance",
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Fail or requeue jobs stuck in running",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		env, err := initApp(ctx, "admin", false)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Service.CleanupStaleJobs(ctx, cleanupStaleSeconds, cleanupAction)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"status": "ok", "cleaned": n})
	},
}

func init() {
	jobsCleanupCmd.Flags().Int64Var(&cleanupStaleSeconds, "stale-seconds", 900, "age after which a running job is stale")
	jobsCleanupCmd.Flags().StringVar(&cleanupAction, "action", "fail", "fail or requeue")
	jobsCmd.AddCommand(jobsCleanupCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(jobsCmd)
}

package main

import (
	"github.com/spf13/cobra"
)

var validateModel string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Send a probe prompt to the configured LLM provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		env, err := initApp(ctx, "admin", false)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.Validate(ctx, validateModel)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateModel, "model", "", "model override")
	rootCmd.AddCommand(validateCmd)
}

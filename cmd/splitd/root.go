package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "splitd",
		Short: "Feature flag treatment sidecar",
		Long: `splitd keeps split definitions in sync with the control service (or a
localhost YAML file) and serves treatments to local processes over HTTP.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(
		newServeCmd(),
		newEvalCmd(),
		newMigrateCmd(),
		newHashTokenCmd(),
	)
	return root
}

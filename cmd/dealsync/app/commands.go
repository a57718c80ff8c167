// Package app provides the dealsync command tree.
package app

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "dealsync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Deal feed synchronization service",
		Long: `dealsync pulls deal records from a spreadsheet feed, resolves duplicate ids,
normalizes every field and merges the batch into the deal store in one transaction.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newBackfillCmd())

	return root
}

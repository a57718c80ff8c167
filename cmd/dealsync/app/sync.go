package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tokusearch/dealsync/internal/config"
	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/processor"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync from the configured source and print the summary",
		Long: `Run a single sync from the configured source into the configured store and
print the run summary as JSON. Intended for cron jobs that do not go through HTTP.`,
		RunE: runSync,
	}
	cmd.Flags().Bool("force", false, "Ignore SYNC_MIN_INTERVAL")
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return fmt.Errorf("failed to get force flag: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SyncTimeout)
	defer cancel()

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)

	src, err := newSource(ctx, cfg)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("no source configured: set GOOGLE_SHEETS_SPREADSHEET_ID or SOURCE_HTML_URLS")
	}

	opts := processor.SyncOptions{Trigger: processor.TriggerCLI}
	if !force {
		opts = lastRunOptions(ctx, cfg, store, processor.TriggerCLI)
	}

	result, err := newProcessor(cfg, src, store).Sync(ctx, opts)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, result *models.SyncResult) error {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format summary: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

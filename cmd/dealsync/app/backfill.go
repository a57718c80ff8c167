package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tokusearch/dealsync/internal/config"
	"github.com/tokusearch/dealsync/internal/dedup"
	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/processor"
	"github.com/tokusearch/dealsync/internal/server"
	"github.com/tokusearch/dealsync/internal/source"
)

const (
	conflictsFile = "db-backfill-conflicts-deals.json"
	summaryFile   = "db-backfill-summary.json"
)

// conflict is one duplicated id in the export, for human review.
type conflict struct {
	Type         string             `json:"type"`
	ID           string             `json:"id"`
	ChosenRow    int                `json:"chosen_row"`
	RejectedRows []int              `json:"rejected_rows"`
	Chosen       models.RawRecord   `json:"chosen"`
	Rejected     []models.RawRecord `json:"rejected"`
}

type backfillSummary struct {
	File          string             `json:"file"`
	Sheet         string             `json:"sheet"`
	InputRows     int                `json:"input_rows"`
	UniqueIDs     int                `json:"unique_ids"`
	Conflicts     int                `json:"conflicts"`
	ConflictsFile string             `json:"conflicts_file"`
	Result        *models.SyncResult `json:"result"`
}

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Load deals from an XLSX export",
		Long: `Read the deals tab of an XLSX export, resolve duplicate ids the same way a sync
does, merge the batch into the store in one transaction and write a conflict log
of every duplicated id to the debug directory.`,
		RunE: runBackfillCmd,
	}
	cmd.Flags().String("file", "", "Path to the XLSX export (required)")
	cmd.Flags().String("sheet", source.DefaultSheet, "Worksheet holding the deals")
	cmd.Flags().String("debug-dir", "debug", "Directory for the conflict log and summary")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}

func runBackfillCmd(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString("file")
	sheet, _ := cmd.Flags().GetString("sheet")
	debugDir, _ := cmd.Flags().GetString("debug-dir")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SyncTimeout)
	defer cancel()

	records, err := source.NewXLSXFile(file, sheet).FetchRawDeals(ctx)
	if err != nil {
		return err
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)

	summary, err := runBackfill(ctx, newProcessor(cfg, nil, store), records, debugDir)
	if err != nil {
		return err
	}
	summary.File, summary.Sheet = file, sheet
	if err := writeJSONFile(filepath.Join(debugDir, summaryFile), summary); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), summary.Result)
}

// runBackfill writes the conflict log, then merges records through p.
// The log is written first so it is available even when the run fails.
func runBackfill(ctx context.Context, p server.Syncer, records []models.RawRecord, debugDir string) (*backfillSummary, error) {
	selected := dedup.Select(records)
	conflicts := conflictLog(records, selected)

	conflictPath := filepath.Join(debugDir, conflictsFile)
	if err := writeJSONFile(conflictPath, conflicts); err != nil {
		return nil, err
	}
	slog.Info("Wrote backfill conflict log", "path", conflictPath, "conflicts", len(conflicts))

	result, err := p.SyncRecords(ctx, records, processor.SyncOptions{Trigger: processor.TriggerBackfill})
	if err != nil {
		return nil, err
	}
	return &backfillSummary{
		InputRows:     len(records),
		UniqueIDs:     len(selected.Winners),
		Conflicts:     len(conflicts),
		ConflictsFile: conflictPath,
		Result:        result,
	}, nil
}

func conflictLog(records []models.RawRecord, selected dedup.Result) []conflict {
	out := make([]conflict, 0, len(selected.Duplicates))
	for _, d := range selected.Duplicates {
		c := conflict{
			Type:         "deal_id_duplicate",
			ID:           d.ID,
			ChosenRow:    rowNumber(records[d.WinnerIndex], d.WinnerIndex),
			Chosen:       records[d.WinnerIndex],
			RejectedRows: []int{},
			Rejected:     []models.RawRecord{},
		}
		for _, idx := range d.Indexes {
			if idx == d.WinnerIndex {
				continue
			}
			c.RejectedRows = append(c.RejectedRows, rowNumber(records[idx], idx))
			c.Rejected = append(c.Rejected, records[idx])
		}
		out = append(out, c)
	}
	return out
}

// rowNumber prefers the worksheet row recorded by the reader and falls
// back to the 1-based batch position.
func rowNumber(rec models.RawRecord, index int) int {
	if n, ok := rec[source.RowNumberKey].(int); ok {
		return n
	}
	return index + 1
}

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}


// Package processor runs deal sync: fetch, dedup, normalize and merge the
// whole batch inside one store transaction.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tokusearch/dealsync/internal/dedup"
	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/normalizer"
	"github.com/tokusearch/dealsync/internal/util"
)

// DefaultSampleSize is the number of duplicated ids listed in a result.
const DefaultSampleSize = 50

// Trigger names recorded on sync runs.
const (
	TriggerAPI      = "api"
	TriggerIngest   = "ingest"
	TriggerCLI      = "cli"
	TriggerBackfill = "backfill"
)

// Options tunes a SyncProcessor. Zero values select defaults.
type Options struct {
	// FetchRetries is how many times a failed fetch is retried.
	FetchRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
	// SampleSize caps SyncResult.DuplicateSample.
	SampleSize int
	Clock      func() time.Time
	NewRunID   func() string
}

// SyncOptions are per-run inputs.
type SyncOptions struct {
	Trigger string
	// LastRun is when the previous run finished. Zero means unknown.
	LastRun time.Time
	// MinInterval skips the run when less than this has passed since
	// LastRun. Zero disables the check.
	MinInterval time.Duration
}

type SyncProcessor struct {
	source     Source
	store      DealStore
	notifier   RunNotifier
	normalizer *normalizer.Normalizer
	opts       Options
}

// New builds a SyncProcessor. source may be nil when only SyncRecords is
// used; notifier may be nil to disable notifications.
func New(source Source, store DealStore, notifier RunNotifier, opts Options) *SyncProcessor {
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.FetchRetries < 0 {
		opts.FetchRetries = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &SyncProcessor{
		source:     source,
		store:      store,
		notifier:   notifier,
		normalizer: normalizer.New(opts.Clock),
		opts:       opts,
	}
}

// Sync pulls a batch from the source and merges it into the store. A
// fetch failure returns ErrSourceFetch before any transaction is opened;
// a store failure rolls the whole run back and returns ErrPersistence.
func (p *SyncProcessor) Sync(ctx context.Context, opts SyncOptions) (*models.SyncResult, error) {
	started := p.opts.Clock().UTC()
	if skipped := p.skip(started, opts); skipped != nil {
		return skipped, nil
	}
	if p.source == nil {
		return nil, fmt.Errorf("no source configured")
	}

	var records []models.RawRecord
	err := util.RetryWithBackoff(ctx, p.opts.FetchRetries, p.opts.RetryBackoff, func(attempt int) error {
		var fetchErr error
		records, fetchErr = p.source.FetchRawDeals(ctx)
		if fetchErr != nil && !util.IsPermanent(fetchErr) {
			slog.Warn("Source fetch failed", "attempt", attempt+1, "error", fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		serr := &models.SyncError{Kind: models.ErrSourceFetch, Stage: models.StageFetch, Err: err}
		p.notifyFailure(ctx, opts.Trigger, serr)
		return nil, serr
	}
	slog.Info("Fetched source batch", "count", len(records))

	return p.run(ctx, records, opts.Trigger, started)
}

// SyncRecords merges a batch supplied by the caller. It applies the same
// dedup, normalization and transaction rules as Sync.
func (p *SyncProcessor) SyncRecords(ctx context.Context, records []models.RawRecord, opts SyncOptions) (*models.SyncResult, error) {
	started := p.opts.Clock().UTC()
	if skipped := p.skip(started, opts); skipped != nil {
		return skipped, nil
	}
	return p.run(ctx, records, opts.Trigger, started)
}

func (p *SyncProcessor) skip(now time.Time, opts SyncOptions) *models.SyncResult {
	if opts.MinInterval <= 0 || opts.LastRun.IsZero() {
		return nil
	}
	if elapsed := now.Sub(opts.LastRun); elapsed < opts.MinInterval {
		slog.Info("Skipping sync, last run too recent", "last_run", opts.LastRun, "elapsed", elapsed, "min_interval", opts.MinInterval)
		return &models.SyncResult{
			Skipped:         true,
			DuplicateSample: []models.DuplicateCount{},
			StartedAt:       now,
			FinishedAt:      now,
		}
	}
	return nil
}

func (p *SyncProcessor) run(ctx context.Context, records []models.RawRecord, trigger string, started time.Time) (*models.SyncResult, error) {
	selected := dedup.Select(records)
	if selected.Dropped > 0 {
		slog.Info("Dropped records without id", "count", selected.Dropped)
	}
	if len(selected.Duplicates) > 0 {
		slog.Info("Resolved duplicate ids", "ids", len(selected.Duplicates))
		for _, d := range selected.Duplicates {
			slog.Debug("Duplicate id", "id", d.ID, "indexes", d.Indexes, "winner", d.WinnerIndex)
		}
	}

	result := &models.SyncResult{
		RunID:            p.opts.NewRunID(),
		SourceCount:      len(records),
		UniqueCount:      len(selected.Winners),
		DuplicateIDCount: len(selected.Counts),
		DuplicateSample:  selected.Sample(p.opts.SampleSize),
		StartedAt:        started,
	}

	if err := p.persist(ctx, selected.Winners, result, trigger); err != nil {
		p.notifyFailure(ctx, trigger, err)
		return nil, err
	}

	slog.Info("Finished sync",
		"run_id", result.RunID,
		"trigger", trigger,
		"source", result.SourceCount,
		"unique", result.UniqueCount,
		"upserted", result.UpsertedCount,
		"duplicate_ids", result.DuplicateIDCount,
		"duration", result.FinishedAt.Sub(result.StartedAt))

	if p.notifier != nil {
		if err := p.notifier.NotifySyncResult(ctx, trigger, result); err != nil {
			slog.Warn("Failed to send sync notification", "run_id", result.RunID, "error", err)
		}
	}
	return result, nil
}

// persist writes every winner and the run record in one transaction.
func (p *SyncProcessor) persist(ctx context.Context, winners []dedup.Winner, result *models.SyncResult, trigger string) error {
	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return &models.SyncError{Kind: models.ErrPersistence, Stage: models.StageBegin, Err: err}
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		// The run context may already be done; rollback must still reach the store.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			slog.Error("Failed to roll back sync transaction", "run_id", result.RunID, "error", rbErr)
		}
	}()

	// Stores differ in whether they honor ctx, so the deadline is checked here.
	for _, w := range winners {
		if err := ctx.Err(); err != nil {
			return &models.SyncError{Kind: models.ErrPersistence, Stage: models.StageUpsert, DealID: w.ID, Err: err}
		}
		deal := p.normalizer.Normalize(w.Record, w.ID)
		if err := tx.UpsertDeal(ctx, deal); err != nil {
			return &models.SyncError{Kind: models.ErrPersistence, Stage: models.StageUpsert, DealID: w.ID, Err: err}
		}
		result.UpsertedCount++
	}

	result.FinishedAt = p.opts.Clock().UTC()
	if err := tx.RecordSyncRun(ctx, result.Run(trigger)); err != nil {
		return &models.SyncError{Kind: models.ErrPersistence, Stage: models.StageRecord, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &models.SyncError{Kind: models.ErrPersistence, Stage: models.StageCommit, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &models.SyncError{Kind: models.ErrPersistence, Stage: models.StageCommit, Err: err}
	}
	committed = true
	return nil
}

func (p *SyncProcessor) notifyFailure(ctx context.Context, trigger string, runErr error) {
	slog.Error("Sync failed", "trigger", trigger, "kind", models.ErrorKind(runErr), "stage", models.ErrorStage(runErr), "error", runErr)
	if p.notifier == nil {
		return
	}
	if errors.Is(runErr, context.Canceled) {
		return
	}
	if err := p.notifier.NotifySyncFailure(context.WithoutCancel(ctx), trigger, runErr); err != nil {
		slog.Warn("Failed to send failure notification", "error", err)
	}
}

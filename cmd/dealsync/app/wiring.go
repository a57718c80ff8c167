package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tokusearch/dealsync/internal/config"
	"github.com/tokusearch/dealsync/internal/notifier"
	"github.com/tokusearch/dealsync/internal/processor"
	"github.com/tokusearch/dealsync/internal/server"
	"github.com/tokusearch/dealsync/internal/source"
	"github.com/tokusearch/dealsync/internal/storage"
)

// dealStore is what every backend offers the commands.
type dealStore interface {
	processor.DealStore
	server.RunReader
	Close() error
}

func newStore(ctx context.Context, cfg *config.Config) (dealStore, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		store, err := storage.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return store, nil
	case config.BackendFirestore:
		store, err := storage.NewFirestore(ctx, cfg.ProjectID, cfg.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize firestore: %w", err)
		}
		return store, nil
	case config.BackendMemory:
		slog.Warn("Using in-memory store, deals are lost on exit")
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// newSource returns nil when no pull source is configured.
func newSource(ctx context.Context, cfg *config.Config) (processor.Source, error) {
	switch cfg.SourceKind {
	case config.SourceSheets:
		s, err := source.NewSheets(ctx, source.SheetsConfig{
			SpreadsheetID:   cfg.SpreadsheetID,
			SheetName:       cfg.SheetName,
			CredentialsJSON: cfg.ServiceAccountKey,
			APIKey:          cfg.SheetsAPIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sheets source: %w", err)
		}
		return s, nil
	case config.SourceHTML:
		fetchers := make([]source.Fetcher, 0, len(cfg.HTMLSourceURLs))
		for _, u := range cfg.HTMLSourceURLs {
			fetchers = append(fetchers, source.NewHTMLTable(source.HTMLTableConfig{
				URL:            u,
				AllowedDomains: cfg.AllowedDomains,
			}))
		}
		return source.NewMulti(fetchers...), nil
	case config.SourceNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.SourceKind)
	}
}

func newProcessor(cfg *config.Config, src processor.Source, store processor.DealStore) *processor.SyncProcessor {
	return processor.New(src, store, notifier.New(cfg.DiscordWebhookURL), processor.Options{
		FetchRetries: cfg.FetchRetries,
		SampleSize:   cfg.DuplicateSampleSize,
	})
}

// lastRunOptions fills LastRun from the store when a minimum interval is set.
func lastRunOptions(ctx context.Context, cfg *config.Config, store server.RunReader, trigger string) processor.SyncOptions {
	opts := processor.SyncOptions{Trigger: trigger, MinInterval: cfg.SyncMinInterval}
	if opts.MinInterval <= 0 {
		return opts
	}
	last, err := store.LastSyncRun(ctx)
	if err != nil {
		slog.Warn("Failed to read last sync run", "error", err)
		return opts
	}
	if last != nil {
		opts.LastRun = last.FinishedAt
	}
	return opts
}

func closeStore(store dealStore) {
	if err := store.Close(); err != nil {
		slog.Error("Error closing store", "error", err)
	}
}

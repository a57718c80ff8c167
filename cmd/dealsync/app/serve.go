package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/tokusearch/dealsync/internal/config"
	"github.com/tokusearch/dealsync/internal/server"
	"github.com/tokusearch/dealsync/internal/storage"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync and ingest API server",
		RunE:  runServe,
	}
	cmd.Flags().Bool("migrate", false, "Apply pending database migrations before serving (postgres only)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	slog.Info("Starting dealsync server...")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	doMigrate, err := cmd.Flags().GetBool("migrate")
	if err != nil {
		return fmt.Errorf("failed to get migrate flag: %w", err)
	}
	if doMigrate && cfg.StoreBackend == config.BackendPostgres {
		slog.Info("Applying database migrations...")
		if err := storage.MigrateUp(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	ctx := context.Background()
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)

	src, err := newSource(ctx, cfg)
	if err != nil {
		return err
	}

	router, stop := server.NewRouter(server.Deps{
		Syncer:            newProcessor(cfg, src, store),
		Store:             store,
		APIKey:            cfg.APIKey,
		SyncTimeout:       cfg.SyncTimeout,
		SyncMinInterval:   cfg.SyncMinInterval,
		IngestMaxDeals:    cfg.IngestMaxDeals,
		RateLimit:         rate.Limit(cfg.RateLimitRPS),
		RateLimitBurst:    cfg.RateLimitBurst,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	defer stop()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.SyncTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		slog.Info("Received signal, shutting down gracefully...", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("Listening on port", "port", cfg.Port, "store", cfg.StoreBackend, "source", cfg.SourceKind)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to listen and serve: %w", err)
	}
	slog.Info("Server stopped.")
	return nil
}

// Package server exposes sync, ingest and feed endpoints over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/processor"
	"github.com/tokusearch/dealsync/internal/validator"
)

// Syncer runs sync and ingest batches.
type Syncer interface {
	Sync(ctx context.Context, opts processor.SyncOptions) (*models.SyncResult, error)
	SyncRecords(ctx context.Context, records []models.RawRecord, opts processor.SyncOptions) (*models.SyncResult, error)
}

// RunReader reads what previous runs left in the store.
type RunReader interface {
	RecentDeals(ctx context.Context, since time.Time, limit int) ([]models.Deal, error)
	LastSyncRun(ctx context.Context) (*models.SyncRun, error)
}

// Deps holds everything the router needs.
type Deps struct {
	Syncer Syncer
	Store  RunReader
	// APIKey guards every /api route. Empty rejects all requests.
	APIKey          string
	SyncTimeout     time.Duration
	SyncMinInterval time.Duration
	IngestMaxDeals  int
	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit      rate.Limit
	RateLimitBurst int
	// TrustProxyHeaders keys the rate limit by X-Forwarded-For/X-Real-Ip.
	// Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
	Clock             func() time.Time
}

// NewRouter builds the application router. The returned stop function
// releases the rate limiter's background cleanup.
func NewRouter(deps Deps) (http.Handler, func()) {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.IngestMaxDeals <= 0 {
		deps.IngestMaxDeals = DefaultIngestMaxDeals
	}

	h := &handler{deps: deps, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	stop := func() {}
	limit := func(next http.Handler) http.Handler { return next }
	if deps.RateLimit > 0 {
		rl := NewRateLimiter(deps.RateLimit, deps.RateLimitBurst, deps.TrustProxyHeaders)
		limit = rl.Limit
		stop = rl.Stop
	}

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(limit)
		r.Use(APIKey(deps.APIKey))

		r.Post("/admin/db-sync/deals", h.syncDeals)
		r.Post("/ingest/deals", h.ingestDeals)
		r.Get("/ingest/deals/recent", h.recentDeals)
	})

	return r, stop
}

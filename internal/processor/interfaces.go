package processor

import (
	"context"

	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/storage"
)

// Source supplies the raw batch for a pull sync.
type Source interface {
	FetchRawDeals(ctx context.Context) ([]models.RawRecord, error)
}

// DealTx is the unit of work a run writes through.
type DealTx = storage.Tx

// DealStore opens the transaction that wraps a whole run.
type DealStore interface {
	BeginTx(ctx context.Context) (DealTx, error)
}

// RunNotifier reports finished runs to operators.
type RunNotifier interface {
	NotifySyncResult(ctx context.Context, trigger string, res *models.SyncResult) error
	NotifySyncFailure(ctx context.Context, trigger string, err error) error
}

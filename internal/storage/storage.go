// Package storage persists deals and sync run records.
//
// Two backends are provided: Postgres, where each upsert is a single
// INSERT ... ON CONFLICT statement, and Firestore, where writes are staged
// on the transaction handle and applied inside one RunTransaction at commit.
package storage

import (
	"context"

	"github.com/tokusearch/dealsync/internal/models"
)

// Tx is one unit of work against a store. Nothing written through a Tx is
// visible to other readers until Commit returns nil.
type Tx interface {
	// UpsertDeal inserts deal or merges it into the stored row with the
	// same id. Content fields are overwritten; created_at keeps the earlier
	// value and updated_at keeps the later one.
	UpsertDeal(ctx context.Context, deal models.Deal) error
	// RecordSyncRun stores the audit record of the run owning this Tx.
	RecordSyncRun(ctx context.Context, run models.SyncRun) error
	Commit(ctx context.Context) error
	// Rollback discards the Tx. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}

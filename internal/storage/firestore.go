package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tokusearch/dealsync/internal/models"
)

const (
	defaultDealsCollection = "deals"
	syncRunsCollection     = "sync_runs"
)

var errTxDone = errors.New("transaction already committed or rolled back")

// Firestore is the document-store deal backend.
type Firestore struct {
	client *firestore.Client
	deals  string
}

// NewFirestore opens a client for projectID. An empty collection uses
// "deals".
func NewFirestore(ctx context.Context, projectID, collection string) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	if collection == "" {
		collection = defaultDealsCollection
	}
	return &Firestore{client: client, deals: collection}, nil
}

func (c *Firestore) Close() error {
	return c.client.Close()
}

// BeginTx returns a handle that stages writes in memory. The staged
// writes are applied in a single Firestore transaction by Commit.
func (c *Firestore) BeginTx(_ context.Context) (Tx, error) {
	return newFirestoreTx(c), nil
}

// GetDeal returns the stored deal with id, or nil when there is none.
func (c *Firestore) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	doc, err := c.client.Collection(c.deals).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get deal by ID %s: %w", id, err)
	}
	var deal models.Deal
	if err := doc.DataTo(&deal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deal data: %w", err)
	}
	deal.ID = doc.Ref.ID
	return &deal, nil
}

// RecentDeals returns deals created or updated at or after since, most
// recently touched first. Firestore cannot order by the greater of two
// fields, so both ranges are read and merged here.
func (c *Firestore) RecentDeals(ctx context.Context, since time.Time, limit int) ([]models.Deal, error) {
	byID := make(map[string]models.Deal)
	for _, field := range []string{"created_at", "updated_at"} {
		iter := c.client.Collection(c.deals).
			Where(field, ">=", since).
			OrderBy(field, firestore.Desc).
			Limit(limit).
			Documents(ctx)
		err := collectDeals(iter, byID)
		iter.Stop()
		if err != nil {
			return nil, fmt.Errorf("failed to query deals by %s: %w", field, err)
		}
	}

	deals := make([]models.Deal, 0, len(byID))
	for _, d := range byID {
		deals = append(deals, d)
	}
	sortByLastTouched(deals)
	if len(deals) > limit {
		deals = deals[:limit]
	}
	return deals, nil
}

func collectDeals(iter *firestore.DocumentIterator, into map[string]models.Deal) error {
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		var d models.Deal
		if err := doc.DataTo(&d); err != nil {
			return fmt.Errorf("failed to unmarshal deal %s: %w", doc.Ref.ID, err)
		}
		d.ID = doc.Ref.ID
		into[d.ID] = d
	}
}

func lastTouched(d models.Deal) time.Time {
	if d.UpdatedAt.After(d.CreatedAt) {
		return d.UpdatedAt
	}
	return d.CreatedAt
}

func sortByLastTouched(deals []models.Deal) {
	sort.SliceStable(deals, func(i, j int) bool {
		ti, tj := lastTouched(deals[i]), lastTouched(deals[j])
		if ti.Equal(tj) {
			return deals[i].ID < deals[j].ID
		}
		return ti.After(tj)
	})
}

// LastSyncRun returns the most recently finished run, or nil when no run
// has been recorded.
func (c *Firestore) LastSyncRun(ctx context.Context) (*models.SyncRun, error) {
	iter := c.client.Collection(syncRunsCollection).
		OrderBy("finished_at", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync run: %w", err)
	}
	var run models.SyncRun
	if err := doc.DataTo(&run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync run: %w", err)
	}
	return &run, nil
}

// firestoreTx buffers one run's writes. Repeated ids within the buffer are
// merged with the same rules the store applies.
type firestoreTx struct {
	store *Firestore
	order []string
	deals map[string]models.Deal
	runs  []models.SyncRun
	done  bool
}

func newFirestoreTx(store *Firestore) *firestoreTx {
	return &firestoreTx{store: store, deals: make(map[string]models.Deal)}
}

func (t *firestoreTx) UpsertDeal(_ context.Context, deal models.Deal) error {
	if t.done {
		return errTxDone
	}
	if deal.ID == "" {
		return fmt.Errorf("failed to upsert deal: empty id")
	}
	if prev, ok := t.deals[deal.ID]; ok {
		t.deals[deal.ID] = models.Merge(prev, deal)
		return nil
	}
	t.order = append(t.order, deal.ID)
	t.deals[deal.ID] = deal
	return nil
}

func (t *firestoreTx) RecordSyncRun(_ context.Context, run models.SyncRun) error {
	if t.done {
		return errTxDone
	}
	t.runs = append(t.runs, run)
	return nil
}

// Commit reads the current documents for every staged id, merges and
// writes them in one transaction. Firestore retries the function on
// contention, so merges are always computed against fresh reads.
func (t *firestoreTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true

	col := t.store.client.Collection(t.store.deals)
	refs := make([]*firestore.DocumentRef, len(t.order))
	for i, id := range t.order {
		refs[i] = col.Doc(id)
	}

	err := t.store.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var snaps []*firestore.DocumentSnapshot
		if len(refs) > 0 {
			var err error
			snaps, err = tx.GetAll(refs)
			if err != nil {
				return fmt.Errorf("failed to read existing deals: %w", err)
			}
		}
		for i, id := range t.order {
			merged, err := mergeWithSnapshot(snaps[i], t.deals[id])
			if err != nil {
				return err
			}
			if err := tx.Set(refs[i], merged); err != nil {
				return fmt.Errorf("failed to stage deal %s: %w", id, err)
			}
		}
		for _, run := range t.runs {
			ref := t.store.client.Collection(syncRunsCollection).Doc(run.ID)
			if err := tx.Create(ref, run); err != nil {
				return fmt.Errorf("failed to stage sync run %s: %w", run.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	slog.Debug("Committed Firestore transaction", "deals", len(t.order), "runs", len(t.runs))
	return nil
}

func mergeWithSnapshot(snap *firestore.DocumentSnapshot, incoming models.Deal) (models.Deal, error) {
	if snap == nil || !snap.Exists() {
		return incoming, nil
	}
	var existing models.Deal
	if err := snap.DataTo(&existing); err != nil {
		return models.Deal{}, fmt.Errorf("failed to unmarshal deal %s: %w", incoming.ID, err)
	}
	return models.Merge(existing, incoming), nil
}

func (t *firestoreTx) Rollback(_ context.Context) error {
	t.done = true
	t.order = nil
	t.deals = nil
	t.runs = nil
	return nil
}

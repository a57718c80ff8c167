package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokusearch/dealsync/internal/models"
)

// upsertDealSQL merges one deal. Content columns take the incoming value;
// created_at and updated_at only ever move outward.
const upsertDealSQL = `
INSERT INTO deals (
    id, date, title, summary, detail, steps, service, expiration, conditions, notes,
    category_main, category_sub, is_public, priority, discount_rate, discount_amount, score,
    created_at, updated_at, difficulty, area_type, target_user_type, usage_type, is_welkatsu, tags
) VALUES (
    $1, $2::text::date, $3, $4, $5, $6, $7, $8, $9, $10,
    $11, $12, $13, $14, $15, $16, $17,
    $18, $19, $20, $21, $22, $23, $24, $25
)
ON CONFLICT (id) DO UPDATE SET
    date = EXCLUDED.date,
    title = EXCLUDED.title,
    summary = EXCLUDED.summary,
    detail = EXCLUDED.detail,
    steps = EXCLUDED.steps,
    service = EXCLUDED.service,
    expiration = EXCLUDED.expiration,
    conditions = EXCLUDED.conditions,
    notes = EXCLUDED.notes,
    category_main = EXCLUDED.category_main,
    category_sub = EXCLUDED.category_sub,
    is_public = EXCLUDED.is_public,
    priority = EXCLUDED.priority,
    discount_rate = EXCLUDED.discount_rate,
    discount_amount = EXCLUDED.discount_amount,
    score = EXCLUDED.score,
    created_at = LEAST(deals.created_at, EXCLUDED.created_at),
    updated_at = GREATEST(deals.updated_at, EXCLUDED.updated_at),
    difficulty = EXCLUDED.difficulty,
    area_type = EXCLUDED.area_type,
    target_user_type = EXCLUDED.target_user_type,
    usage_type = EXCLUDED.usage_type,
    is_welkatsu = EXCLUDED.is_welkatsu,
    tags = EXCLUDED.tags`

const insertSyncRunSQL = `
INSERT INTO sync_runs (
    id, trigger, started_at, finished_at,
    source_count, unique_count, upserted_count, duplicate_id_count, duplicate_sample
) VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7, $8, $9)`

const selectDealColumns = `
    id, to_char(date, 'YYYY-MM-DD'), title, summary, detail, steps, service, expiration,
    conditions, notes, category_main, category_sub, is_public, priority, discount_rate,
    discount_amount, score, created_at, updated_at, difficulty, area_type, target_user_type,
    usage_type, is_welkatsu, tags`

// Postgres is the relational deal store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to connString. maxConns <= 0 keeps the pgx
// default.
func NewPostgres(ctx context.Context, connString string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership
// of the pool.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// BeginTx opens a read-committed transaction. Concurrent runs touching
// the same id serialize on the row lock taken by ON CONFLICT.
func (p *Postgres) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// RecentDeals returns deals created or updated at or after since, most
// recently touched first.
func (p *Postgres) RecentDeals(ctx context.Context, since time.Time, limit int) ([]models.Deal, error) {
	rows, err := p.pool.Query(ctx, `
SELECT`+selectDealColumns+`
FROM deals
WHERE created_at >= $1 OR updated_at >= $1
ORDER BY GREATEST(created_at, updated_at) DESC
LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent deals: %w", err)
	}
	deals, err := pgx.CollectRows(rows, scanDeal)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent deals: %w", err)
	}
	return deals, nil
}

// GetDeal returns the stored deal with id, or nil when there is none.
func (p *Postgres) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	rows, err := p.pool.Query(ctx, `SELECT`+selectDealColumns+` FROM deals WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get deal %s: %w", id, err)
	}
	deal, err := pgx.CollectExactlyOneRow(rows, scanDeal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read deal %s: %w", id, err)
	}
	return &deal, nil
}

// LastSyncRun returns the most recently finished run, or nil when no run
// has been recorded.
func (p *Postgres) LastSyncRun(ctx context.Context) (*models.SyncRun, error) {
	var run models.SyncRun
	err := p.pool.QueryRow(ctx, `
SELECT id::text, trigger, started_at, finished_at,
       source_count, unique_count, upserted_count, duplicate_id_count, duplicate_sample
FROM sync_runs
ORDER BY finished_at DESC
LIMIT 1`).Scan(
		&run.ID, &run.Trigger, &run.StartedAt, &run.FinishedAt,
		&run.SourceCount, &run.UniqueCount, &run.UpsertedCount, &run.DuplicateIDCount, &run.DuplicateSample,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last sync run: %w", err)
	}
	return &run, nil
}

func scanDeal(row pgx.CollectableRow) (models.Deal, error) {
	var d models.Deal
	err := row.Scan(
		&d.ID, &d.Date, &d.Title, &d.Summary, &d.Detail, &d.Steps, &d.Service, &d.Expiration,
		&d.Conditions, &d.Notes, &d.CategoryMain, &d.CategorySub, &d.IsPublic, &d.Priority, &d.DiscountRate,
		&d.DiscountAmount, &d.Score, &d.CreatedAt, &d.UpdatedAt, &d.Difficulty, &d.AreaType, &d.TargetUserType,
		&d.UsageType, &d.IsWelkatsu, &d.Tags,
	)
	if err != nil {
		return models.Deal{}, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UpsertDeal(ctx context.Context, d models.Deal) error {
	_, err := t.tx.Exec(ctx, upsertDealSQL,
		d.ID, d.Date, d.Title, d.Summary, d.Detail, d.Steps, d.Service, d.Expiration, d.Conditions, d.Notes,
		d.CategoryMain, d.CategorySub, d.IsPublic, d.Priority, d.DiscountRate, d.DiscountAmount, d.Score,
		d.CreatedAt, d.UpdatedAt, d.Difficulty, d.AreaType, d.TargetUserType, d.UsageType, d.IsWelkatsu, d.Tags,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deal %s: %w", d.ID, err)
	}
	return nil
}

func (t *pgTx) RecordSyncRun(ctx context.Context, run models.SyncRun) error {
	sample := run.DuplicateSample
	if sample == nil {
		sample = []models.DuplicateCount{}
	}
	_, err := t.tx.Exec(ctx, insertSyncRunSQL,
		run.ID, run.Trigger, run.StartedAt, run.FinishedAt,
		run.SourceCount, run.UniqueCount, run.UpsertedCount, run.DuplicateIDCount, sample,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run %s: %w", run.ID, err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Warn("Failed to roll back transaction", "error", err)
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

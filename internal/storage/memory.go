package storage

import (
	"context"
	"sync"
	"time"

	"github.com/tokusearch/dealsync/internal/models"
)

// Memory is a process-local store for development and tests. It applies
// the same merge rules as the persistent backends.
type Memory struct {
	mu    sync.RWMutex
	deals map[string]models.Deal
	runs  []models.SyncRun
}

func NewMemory() *Memory {
	return &Memory{deals: make(map[string]models.Deal)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) BeginTx(_ context.Context) (Tx, error) {
	return &memoryTx{store: m, deals: make(map[string]models.Deal)}, nil
}

func (m *Memory) GetDeal(_ context.Context, id string) (*models.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// Deals returns a copy of every stored deal keyed by id.
func (m *Memory) Deals() map[string]models.Deal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.Deal, len(m.deals))
	for id, d := range m.deals {
		out[id] = d
	}
	return out
}

func (m *Memory) RecentDeals(_ context.Context, since time.Time, limit int) ([]models.Deal, error) {
	m.mu.RLock()
	var out []models.Deal
	for _, d := range m.deals {
		if !d.CreatedAt.Before(since) || !d.UpdatedAt.Before(since) {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()

	sortByLastTouched(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LastSyncRun(_ context.Context) (*models.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *models.SyncRun
	for i := range m.runs {
		if last == nil || m.runs[i].FinishedAt.After(last.FinishedAt) {
			run := m.runs[i]
			last = &run
		}
	}
	return last, nil
}

type memoryTx struct {
	store *Memory
	order []string
	deals map[string]models.Deal
	runs  []models.SyncRun
	done  bool
}

func (t *memoryTx) UpsertDeal(_ context.Context, deal models.Deal) error {
	if t.done {
		return errTxDone
	}
	if prev, ok := t.deals[deal.ID]; ok {
		t.deals[deal.ID] = models.Merge(prev, deal)
		return nil
	}
	t.order = append(t.order, deal.ID)
	t.deals[deal.ID] = deal
	return nil
}

func (t *memoryTx) RecordSyncRun(_ context.Context, run models.SyncRun) error {
	if t.done {
		return errTxDone
	}
	t.runs = append(t.runs, run)
	return nil
}

func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, id := range t.order {
		incoming := t.deals[id]
		if existing, ok := t.store.deals[id]; ok {
			incoming = models.Merge(existing, incoming)
		}
		t.store.deals[id] = incoming
	}
	t.store.runs = append(t.store.runs, t.runs...)
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	t.done = true
	return nil
}

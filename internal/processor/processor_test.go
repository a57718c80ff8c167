package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/storage"
	"github.com/tokusearch/dealsync/internal/util"
)

// --- Mock implementations ---

type mockSource struct {
	records []models.RawRecord
	errs    []error
	calls   int
}

func (m *mockSource) FetchRawDeals(_ context.Context) ([]models.RawRecord, error) {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return m.records, nil
}

// mockStore wraps the in-memory store with fault injection.
type mockStore struct {
	*storage.Memory
	beginErr     error
	failUpsertAt int // 1-based; 0 disables
	recordErr    error
	commitErr    error
	beginCalls   int
	rollbacks    int
}

func newMockStore() *mockStore {
	return &mockStore{Memory: storage.NewMemory()}
}

func (m *mockStore) BeginTx(ctx context.Context) (DealTx, error) {
	m.beginCalls++
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	tx, err := m.Memory.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &mockTx{Tx: tx, store: m}, nil
}

type mockTx struct {
	storage.Tx
	store   *mockStore
	upserts int
}

func (t *mockTx) UpsertDeal(ctx context.Context, d models.Deal) error {
	t.upserts++
	if t.store.failUpsertAt == t.upserts {
		return errors.New("constraint violation")
	}
	return t.Tx.UpsertDeal(ctx, d)
}

func (t *mockTx) RecordSyncRun(ctx context.Context, run models.SyncRun) error {
	if t.store.recordErr != nil {
		return t.store.recordErr
	}
	return t.Tx.RecordSyncRun(ctx, run)
}

func (t *mockTx) Commit(ctx context.Context) error {
	if t.store.commitErr != nil {
		return t.store.commitErr
	}
	return t.Tx.Commit(ctx)
}

func (t *mockTx) Rollback(ctx context.Context) error {
	t.store.rollbacks++
	return t.Tx.Rollback(ctx)
}

type mockNotifier struct {
	results  []*models.SyncResult
	failures []error
	err      error
}

func (m *mockNotifier) NotifySyncResult(_ context.Context, _ string, res *models.SyncResult) error {
	m.results = append(m.results, res)
	return m.err
}

func (m *mockNotifier) NotifySyncFailure(_ context.Context, _ string, err error) error {
	m.failures = append(m.failures, err)
	return m.err
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(src Source, store DealStore, n RunNotifier) *SyncProcessor {
	runs := 0
	return New(src, store, n, Options{
		FetchRetries: 2,
		RetryBackoff: time.Millisecond,
		Clock:        func() time.Time { return testNow },
		NewRunID: func() string {
			runs++
			return fmt.Sprintf("run-%d", runs)
		},
	})
}

// --- Tests ---

func TestSync_DuplicateScenario(t *testing.T) {
	src := &mockSource{records: []models.RawRecord{
		{"id": "1", "title": "A", "updated_at": "2024-01-01T00:00:00Z"},
		{"id": "1", "title": "B", "updated_at": "2024-01-02T00:00:00Z"},
	}}
	store := newMockStore()
	n := &mockNotifier{}
	p := newTestProcessor(src, store, n)

	res, err := p.Sync(context.Background(), SyncOptions{Trigger: TriggerAPI})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	want := &models.SyncResult{
		RunID:            "run-1",
		SourceCount:      2,
		UniqueCount:      1,
		UpsertedCount:    1,
		DuplicateIDCount: 1,
		DuplicateSample:  []models.DuplicateCount{{ID: "1", Count: 2}},
		StartedAt:        testNow,
		FinishedAt:       testNow,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if got := store.Deals()["1"].Title; got != "B" {
		t.Errorf("stored title = %q, want B", got)
	}
	if len(n.results) != 1 {
		t.Errorf("expected 1 result notification, got %d", len(n.results))
	}

	run, err := store.LastSyncRun(context.Background())
	if err != nil || run == nil {
		t.Fatalf("LastSyncRun() = %v, %v", run, err)
	}
	if run.ID != "run-1" || run.Trigger != TriggerAPI || run.UpsertedCount != 1 {
		t.Errorf("recorded run = %+v", run)
	}
}

func TestSync_MergesWithExistingState(t *testing.T) {
	store := newMockStore()
	ctx := context.Background()
	seed := newTestProcessor(nil, store, nil)
	_, err := seed.SyncRecords(ctx, []models.RawRecord{
		{"id": "1", "title": "Old", "created_at": "2024-01-10T00:00:00Z", "updated_at": "2024-01-20T00:00:00Z"},
	}, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}

	src := &mockSource{records: []models.RawRecord{
		{"id": "1", "title": "New", "created_at": "2024-01-05T00:00:00Z", "updated_at": "2024-01-15T00:00:00Z"},
	}}
	if _, err := newTestProcessor(src, store, nil).Sync(ctx, SyncOptions{}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	got := store.Deals()["1"]
	if got.Title != "New" {
		t.Errorf("title = %q, want New", got.Title)
	}
	if !got.CreatedAt.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("created_at = %v, want 2024-01-05", got.CreatedAt)
	}
	if !got.UpdatedAt.Equal(time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("updated_at = %v, want 2024-01-20", got.UpdatedAt)
	}
}

func TestSync_Idempotent(t *testing.T) {
	src := &mockSource{records: []models.RawRecord{
		{"id": "1", "title": "A", "created_at": "2024-01-01T00:00:00Z"},
		{"id": "2", "title": "B", "score": "3"},
		{"id": "2", "title": "B2", "updated_at": "2024-02-01T00:00:00Z"},
		{"id": "3", "title": "C", "discount_amount": "1,200"},
	}}
	store := newMockStore()
	p := newTestProcessor(src, store, nil)
	ctx := context.Background()

	first, err := p.Sync(ctx, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	snapshot := store.Deals()

	second, err := p.Sync(ctx, SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(snapshot, store.Deals()); diff != "" {
		t.Errorf("store changed on second sync (-first +second):\n%s", diff)
	}
	for _, res := range []*models.SyncResult{first, second} {
		if res.UpsertedCount != res.UniqueCount || res.UniqueCount != 3 {
			t.Errorf("upserted=%d unique=%d, want 3/3", res.UpsertedCount, res.UniqueCount)
		}
	}
}

func TestSync_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	seed := []models.RawRecord{{"id": "1", "title": "kept", "created_at": "2024-01-01T00:00:00Z"}}
	if _, err := newTestProcessor(nil, store, nil).SyncRecords(ctx, seed, SyncOptions{}); err != nil {
		t.Fatal(err)
	}
	before := store.Deals()

	store.failUpsertAt = 2
	n := &mockNotifier{}
	src := &mockSource{records: []models.RawRecord{
		{"id": "1", "title": "changed"},
		{"id": "2", "title": "second"},
		{"id": "3", "title": "third"},
	}}
	res, err := newTestProcessor(src, store, n).Sync(ctx, SyncOptions{})

	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("error = %v, want ErrPersistence", err)
	}
	var serr *models.SyncError
	if !errors.As(err, &serr) || serr.Stage != models.StageUpsert || serr.DealID != "2" {
		t.Errorf("SyncError = %+v, want upsert stage for deal 2", serr)
	}
	if diff := cmp.Diff(before, store.Deals()); diff != "" {
		t.Errorf("store changed after failed run (-before +after):\n%s", diff)
	}
	if store.rollbacks == 0 {
		t.Error("expected rollback")
	}
	if len(n.failures) != 1 || len(n.results) != 0 {
		t.Errorf("notifications: %d failures, %d results", len(n.failures), len(n.results))
	}
}

func TestSync_PersistenceStages(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*mockStore)
		wantStage string
	}{
		{name: "begin", configure: func(s *mockStore) { s.beginErr = errors.New("pool exhausted") }, wantStage: models.StageBegin},
		{name: "record", configure: func(s *mockStore) { s.recordErr = errors.New("bad run") }, wantStage: models.StageRecord},
		{name: "commit", configure: func(s *mockStore) { s.commitErr = errors.New("serialization failure") }, wantStage: models.StageCommit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			tt.configure(store)
			src := &mockSource{records: []models.RawRecord{{"id": "1"}}}

			_, err := newTestProcessor(src, store, nil).Sync(context.Background(), SyncOptions{})

			if !errors.Is(err, models.ErrPersistence) {
				t.Fatalf("error = %v, want ErrPersistence", err)
			}
			if got := models.ErrorStage(err); got != tt.wantStage {
				t.Errorf("stage = %q, want %q", got, tt.wantStage)
			}
			if len(store.Deals()) != 0 {
				t.Errorf("deals visible after failure: %v", store.Deals())
			}
		})
	}
}

func TestSyncRecords_ExpiredDeadlineRollsBack(t *testing.T) {
	tests := []struct {
		name      string
		records   []models.RawRecord
		wantStage string
	}{
		{name: "before upsert", records: []models.RawRecord{{"id": "1", "title": "A"}, {"id": "2", "title": "B"}}, wantStage: models.StageUpsert},
		{name: "empty batch before commit", records: nil, wantStage: models.StageCommit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemory()
			ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
			defer cancel()
			<-ctx.Done()

			res, err := newTestProcessor(nil, store, nil).SyncRecords(ctx, tt.records, SyncOptions{Trigger: TriggerIngest})

			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("error = %v, want context.DeadlineExceeded", err)
			}
			if !errors.Is(err, models.ErrPersistence) {
				t.Errorf("error = %v, want ErrPersistence", err)
			}
			if got := models.ErrorStage(err); got != tt.wantStage {
				t.Errorf("stage = %q, want %q", got, tt.wantStage)
			}
			if len(store.Deals()) != 0 {
				t.Errorf("deals visible after timeout: %v", store.Deals())
			}
			if run, _ := store.LastSyncRun(context.Background()); run != nil {
				t.Errorf("sync run recorded after timeout: %+v", run)
			}
		})
	}
}

// cancelAfterTx cancels the run context once n deals have been written.
type cancelAfterTx struct {
	storage.Tx
	n      int
	cancel context.CancelFunc
}

func (t *cancelAfterTx) UpsertDeal(ctx context.Context, d models.Deal) error {
	if err := t.Tx.UpsertDeal(ctx, d); err != nil {
		return err
	}
	t.n--
	if t.n == 0 {
		t.cancel()
	}
	return nil
}

type cancelAfterStore struct {
	*storage.Memory
	n      int
	cancel context.CancelFunc
}

func (s *cancelAfterStore) BeginTx(ctx context.Context) (DealTx, error) {
	tx, err := s.Memory.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &cancelAfterTx{Tx: tx, n: s.n, cancel: s.cancel}, nil
}

func TestSyncRecords_DeadlineMidRunRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterStore{Memory: storage.NewMemory(), n: 1, cancel: cancel}
	records := []models.RawRecord{{"id": "1", "title": "A"}, {"id": "2", "title": "B"}, {"id": "3", "title": "C"}}

	_, err := newTestProcessor(nil, store, nil).SyncRecords(ctx, records, SyncOptions{})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	var serr *models.SyncError
	if !errors.As(err, &serr) || serr.Stage != models.StageUpsert || serr.DealID != "2" {
		t.Errorf("error = %#v, want upsert stage at deal 2", err)
	}
	if len(store.Deals()) != 0 {
		t.Errorf("deals visible after cancellation: %v", store.Deals())
	}
}

func TestSync_SourceFetchError(t *testing.T) {
	boom := errors.New("upstream 503")
	src := &mockSource{errs: []error{boom, boom, boom}}
	store := newMockStore()
	n := &mockNotifier{}

	_, err := newTestProcessor(src, store, n).Sync(context.Background(), SyncOptions{})

	if !errors.Is(err, models.ErrSourceFetch) || !errors.Is(err, boom) {
		t.Fatalf("error = %v, want ErrSourceFetch wrapping upstream error", err)
	}
	if src.calls != 3 {
		t.Errorf("fetch calls = %d, want 3", src.calls)
	}
	if store.beginCalls != 0 {
		t.Error("transaction opened despite fetch failure")
	}
	if len(n.failures) != 1 {
		t.Errorf("expected failure notification")
	}
}

func TestSync_FetchRecoversAfterRetry(t *testing.T) {
	src := &mockSource{
		records: []models.RawRecord{{"id": "1"}},
		errs:    []error{errors.New("timeout"), nil},
	}
	res, err := newTestProcessor(src, newMockStore(), nil).Sync(context.Background(), SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if src.calls != 2 || res.UpsertedCount != 1 {
		t.Errorf("calls=%d upserted=%d, want 2/1", src.calls, res.UpsertedCount)
	}
}

func TestSync_PermanentFetchErrorNotRetried(t *testing.T) {
	src := &mockSource{errs: []error{util.Permanent(errors.New("404"))}}
	_, err := newTestProcessor(src, newMockStore(), nil).Sync(context.Background(), SyncOptions{})
	if !errors.Is(err, models.ErrSourceFetch) {
		t.Fatalf("error = %v, want ErrSourceFetch", err)
	}
	if src.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", src.calls)
	}
}

func TestSync_SkipsWhenLastRunTooRecent(t *testing.T) {
	src := &mockSource{records: []models.RawRecord{{"id": "1"}}}
	store := newMockStore()
	p := newTestProcessor(src, store, nil)

	res, err := p.Sync(context.Background(), SyncOptions{
		LastRun:     testNow.Add(-30 * time.Second),
		MinInterval: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || src.calls != 0 || store.beginCalls != 0 {
		t.Errorf("skipped=%v calls=%d begins=%d, want skip without I/O", res.Skipped, src.calls, store.beginCalls)
	}

	res, err = p.Sync(context.Background(), SyncOptions{
		LastRun:     testNow.Add(-2 * time.Minute),
		MinInterval: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.UpsertedCount != 1 {
		t.Errorf("expected run after interval, got %+v", res)
	}
}

func TestSync_NotifierFailureDoesNotFailRun(t *testing.T) {
	src := &mockSource{records: []models.RawRecord{{"id": "1"}}}
	n := &mockNotifier{err: errors.New("webhook down")}
	if _, err := newTestProcessor(src, newMockStore(), n).Sync(context.Background(), SyncOptions{}); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestSync_NoSource(t *testing.T) {
	if _, err := newTestProcessor(nil, newMockStore(), nil).Sync(context.Background(), SyncOptions{}); err == nil {
		t.Error("expected error without a source")
	}
}

func TestSyncRecords_SampleCapAndDroppedIDs(t *testing.T) {
	var records []models.RawRecord
	for i := 0; i < 60; i++ {
		id := fmt.Sprintf("%d", i)
		records = append(records, models.RawRecord{"id": id}, models.RawRecord{"id": id})
	}
	records = append(records, models.RawRecord{"title": "no id"})

	res, err := newTestProcessor(nil, newMockStore(), nil).SyncRecords(context.Background(), records, SyncOptions{Trigger: TriggerIngest})
	if err != nil {
		t.Fatal(err)
	}
	if res.SourceCount != 121 || res.UniqueCount != 60 || res.DuplicateIDCount != 60 {
		t.Errorf("counts = %d/%d/%d, want 121/60/60", res.SourceCount, res.UniqueCount, res.DuplicateIDCount)
	}
	if len(res.DuplicateSample) != DefaultSampleSize {
		t.Errorf("sample len = %d, want %d", len(res.DuplicateSample), DefaultSampleSize)
	}
}

func TestSync_EmptyBatchStillRecordsRun(t *testing.T) {
	store := newMockStore()
	res, err := newTestProcessor(&mockSource{}, store, nil).Sync(context.Background(), SyncOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.UpsertedCount != 0 || res.DuplicateSample == nil {
		t.Errorf("unexpected result %+v", res)
	}
	if run, _ := store.LastSyncRun(context.Background()); run == nil {
		t.Error("expected run record for empty batch")
	}
}

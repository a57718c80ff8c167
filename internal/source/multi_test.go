package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tokusearch/dealsync/internal/models"
)

type fakeFetcher struct {
	records []models.RawRecord
	err     error
	delay   time.Duration
}

func (f fakeFetcher) FetchRawDeals(ctx context.Context) ([]models.RawRecord, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.records, f.err
}

func TestMulti_PreservesFeedOrder(t *testing.T) {
	m := NewMulti(
		fakeFetcher{records: []models.RawRecord{{"id": "a"}}, delay: 20 * time.Millisecond},
		fakeFetcher{records: []models.RawRecord{{"id": "b"}, {"id": "c"}}},
	)

	got, err := m.FetchRawDeals(context.Background())
	if err != nil {
		t.Fatalf("FetchRawDeals() error = %v", err)
	}
	want := []models.RawRecord{{"id": "a"}, {"id": "b"}, {"id": "c"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestMulti_AnyFailureFailsBatch(t *testing.T) {
	boom := errors.New("boom")
	m := NewMulti(
		fakeFetcher{records: []models.RawRecord{{"id": "a"}}, delay: time.Second},
		fakeFetcher{err: boom},
	)

	_, err := m.FetchRawDeals(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
}

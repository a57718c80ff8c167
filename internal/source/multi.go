package source

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tokusearch/dealsync/internal/models"
)

// Multi fetches several feeds concurrently and concatenates their records
// in the order the feeds were given. Any feed failing fails the batch.
type Multi struct {
	fetchers []Fetcher
}

func NewMulti(fetchers ...Fetcher) *Multi {
	return &Multi{fetchers: fetchers}
}

func (m *Multi) FetchRawDeals(ctx context.Context) ([]models.RawRecord, error) {
	if len(m.fetchers) == 1 {
		return m.fetchers[0].FetchRawDeals(ctx)
	}

	results := make([][]models.RawRecord, len(m.fetchers))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range m.fetchers {
		g.Go(func() error {
			recs, err := f.FetchRawDeals(gctx)
			if err != nil {
				return fmt.Errorf("feed %d: %w", i, err)
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	out := make([]models.RawRecord, 0, total)
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// Package dedup picks one record per deal id from a raw batch.
package dedup

import (
	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/normalizer"
)

// priorityFields are consulted in order for a record's priority timestamp.
var priorityFields = []string{"updated_at", "created_at", "date"}

// Winner is the record chosen for one id.
type Winner struct {
	ID     string
	Record models.RawRecord
	// Index is the record's position in the input batch.
	Index int
}

// Duplicate describes an id that appeared more than once.
type Duplicate struct {
	ID          string
	Indexes     []int
	WinnerIndex int
}

// Result is the outcome of Select.
type Result struct {
	// Winners holds one record per id in order of the id's first appearance.
	Winners []Winner
	// Counts maps ids seen more than once to their number of occurrences.
	Counts map[string]int
	// Duplicates lists the same ids as Counts, in first-appearance order.
	Duplicates []Duplicate
	// Dropped is the number of records skipped for lacking an id.
	Dropped int
}

type group struct {
	winner  int
	best    int64
	indexes []int
}

// Select groups records by id and keeps, for each id, the record with the
// greatest priority timestamp. Ties go to the record that appears later.
// Records whose id is blank are dropped.
func Select(records []models.RawRecord) Result {
	groups := make(map[string]*group, len(records))
	order := make([]string, 0, len(records))
	dropped := 0

	for i, rec := range records {
		id, ok := normalizer.String(rec["id"])
		if !ok {
			dropped++
			continue
		}
		ts := PriorityTimestamp(rec)
		g, seen := groups[id]
		if !seen {
			groups[id] = &group{winner: i, best: ts, indexes: []int{i}}
			order = append(order, id)
			continue
		}
		g.indexes = append(g.indexes, i)
		if ts >= g.best {
			g.winner = i
			g.best = ts
		}
	}

	res := Result{
		Winners: make([]Winner, 0, len(order)),
		Counts:  make(map[string]int),
		Dropped: dropped,
	}
	for _, id := range order {
		g := groups[id]
		res.Winners = append(res.Winners, Winner{ID: id, Record: records[g.winner], Index: g.winner})
		if len(g.indexes) > 1 {
			res.Counts[id] = len(g.indexes)
			res.Duplicates = append(res.Duplicates, Duplicate{ID: id, Indexes: g.indexes, WinnerIndex: g.winner})
		}
	}
	return res
}

// PriorityTimestamp returns the Unix millisecond value of the first usable
// field among updated_at, created_at and date, or 0 when none is usable.
func PriorityTimestamp(rec models.RawRecord) int64 {
	for _, f := range priorityFields {
		if ms, ok := normalizer.UnixMillis(rec[f]); ok {
			return ms
		}
	}
	return 0
}

// Sample returns up to n (id, count) pairs for duplicated ids in
// first-appearance order. A non-positive n returns all of them.
func (r Result) Sample(n int) []models.DuplicateCount {
	if n <= 0 || n > len(r.Duplicates) {
		n = len(r.Duplicates)
	}
	out := make([]models.DuplicateCount, 0, n)
	for _, d := range r.Duplicates[:n] {
		out = append(out, models.DuplicateCount{ID: d.ID, Count: len(d.Indexes)})
	}
	return out
}

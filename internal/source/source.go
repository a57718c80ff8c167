// Package source reads raw deal rows from upstream feeds: the Google
// Sheets API, published HTML tables and XLSX exports.
package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/tokusearch/dealsync/internal/models"
)

// RowNumberKey holds the 1-based sheet row a record was read from, for
// sources that can report it.
const RowNumberKey = "__row"

// Fetcher returns one batch of raw records.
type Fetcher interface {
	FetchRawDeals(ctx context.Context) ([]models.RawRecord, error)
}

// headerKeys turns a header row into record keys: trimmed, lowercased,
// and "col_N" for blank cells.
func headerKeys(header []string) []string {
	keys := make([]string, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			h = fmt.Sprintf("col_%d", i)
		}
		keys[i] = h
	}
	return keys
}

// rowToRecord maps cells onto keys. Missing trailing cells become nil.
// It reports false when every cell is blank.
func rowToRecord(keys []string, cells []any) (models.RawRecord, bool) {
	rec := make(models.RawRecord, len(keys))
	nonEmpty := false
	for i, k := range keys {
		var v any
		if i < len(cells) {
			v = cells[i]
		}
		if !isBlank(v) {
			nonEmpty = true
		}
		rec[k] = v
	}
	return rec, nonEmpty
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func stringCells(row []string) []any {
	cells := make([]any, len(row))
	for i, c := range row {
		cells[i] = c
	}
	return cells
}

func cellText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

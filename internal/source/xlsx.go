package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/xuri/excelize/v2"

	"github.com/tokusearch/dealsync/internal/models"
)

// DefaultSheet is the worksheet holding deals in the spreadsheet export.
const DefaultSheet = "database"

// XLSX reads deals from one worksheet of an Excel export. Each record
// carries its worksheet row number under RowNumberKey.
type XLSX struct {
	open  func() (*excelize.File, error)
	name  string
	sheet string
}

// NewXLSXFile reads sheet from the workbook at path.
func NewXLSXFile(path, sheet string) *XLSX {
	return &XLSX{
		open:  func() (*excelize.File, error) { return excelize.OpenFile(path) },
		name:  path,
		sheet: sheetOrDefault(sheet),
	}
}

// NewXLSXReader reads sheet from a workbook held in r. r is consumed on
// the first fetch.
func NewXLSXReader(r io.Reader, sheet string) *XLSX {
	return &XLSX{
		open:  func() (*excelize.File, error) { return excelize.OpenReader(r) },
		name:  "reader",
		sheet: sheetOrDefault(sheet),
	}
}

func sheetOrDefault(sheet string) string {
	if sheet == "" {
		return DefaultSheet
	}
	return sheet
}

func (x *XLSX) FetchRawDeals(ctx context.Context) ([]models.RawRecord, error) {
	f, err := x.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", x.name, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("Failed to close workbook", "file", x.name, "error", err)
		}
	}()

	if idx, err := f.GetSheetIndex(x.sheet); err != nil || idx < 0 {
		return nil, fmt.Errorf("sheet not found: %s", x.sheet)
	}

	rows, err := f.GetRows(x.sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", x.sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	keys := headerKeys(rows[0])
	records := make([]models.RawRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok := rowToRecord(keys, stringCells(row))
		if !ok {
			continue
		}
		rec[RowNumberKey] = i + 2
		records = append(records, rec)
	}
	slog.Info("Read workbook rows", "file", x.name, "sheet", x.sheet, "records", len(records))
	return records, nil
}

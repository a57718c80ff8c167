package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/util"
)

// SheetsConfig selects the spreadsheet tab to read and how to
// authenticate. CredentialsJSON takes precedence over APIKey.
type SheetsConfig struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON string
	APIKey          string
	// Options are appended after the authentication options.
	Options []option.ClientOption
}

// Sheets reads one tab of a spreadsheet through the Sheets API. The first
// row is the header.
type Sheets struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
}

func NewSheets(ctx context.Context, cfg SheetsConfig) (*Sheets, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if cfg.SheetName == "" {
		cfg.SheetName = "database"
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)), option.WithScopes(sheets.SpreadsheetsReadonlyScope))
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	opts = append(opts, cfg.Options...)

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets.NewService: %w", err)
	}
	return &Sheets{svc: svc, spreadsheetID: cfg.SpreadsheetID, sheetName: cfg.SheetName}, nil
}

// FetchRawDeals reads every row of the configured tab. Client errors other
// than 429 are marked permanent so callers do not retry them.
func (s *Sheets) FetchRawDeals(ctx context.Context) ([]models.RawRecord, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName).
		MajorDimension("ROWS").
		Context(ctx).
		Do()
	if err != nil {
		err = fmt.Errorf("failed to read sheet %s: %w", s.sheetName, err)
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
			return nil, util.Permanent(err)
		}
		return nil, err
	}

	records := valuesToRecords(resp.Values)
	slog.Info("Fetched sheet rows", "sheet", s.sheetName, "rows", len(resp.Values), "records", len(records))
	return records, nil
}

func valuesToRecords(values [][]interface{}) []models.RawRecord {
	if len(values) == 0 {
		return nil
	}
	header := make([]string, len(values[0]))
	for i, h := range values[0] {
		header[i] = cellText(h)
	}
	keys := headerKeys(header)

	records := make([]models.RawRecord, 0, len(values)-1)
	for _, row := range values[1:] {
		if rec, ok := rowToRecord(keys, row); ok {
			records = append(records, rec)
		}
	}
	return records
}

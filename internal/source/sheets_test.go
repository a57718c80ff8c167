package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"

	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/util"
)

func newTestSheets(t *testing.T, handler http.HandlerFunc) *Sheets {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s, err := NewSheets(context.Background(), SheetsConfig{
		SpreadsheetID: "sheet-123",
		Options: []option.ClientOption{
			option.WithEndpoint(srv.URL + "/"),
			option.WithHTTPClient(srv.Client()),
			option.WithoutAuthentication(),
		},
	})
	if err != nil {
		t.Fatalf("NewSheets() error = %v", err)
	}
	return s
}

func TestSheets_FetchRawDeals(t *testing.T) {
	var gotPath string
	s := newTestSheets(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"range": "database!A1:E4",
			"majorDimension": "ROWS",
			"values": [
				[" ID ", "Title", "", "Updated_At"],
				["1", "A", "x", "2024-01-01T00:00:00Z"],
				["", "", ""],
				["2", "B"]
			]
		}`)
	})

	got, err := s.FetchRawDeals(context.Background())
	if err != nil {
		t.Fatalf("FetchRawDeals() error = %v", err)
	}

	if !strings.HasSuffix(gotPath, "/v4/spreadsheets/sheet-123/values/database") {
		t.Errorf("request path = %s", gotPath)
	}
	want := []models.RawRecord{
		{"id": "1", "title": "A", "col_2": "x", "updated_at": "2024-01-01T00:00:00Z"},
		{"id": "2", "title": "B", "col_2": nil, "updated_at": nil},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestSheets_ClientErrorIsPermanent(t *testing.T) {
	s := newTestSheets(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	})

	_, err := s.FetchRawDeals(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !util.IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
}

func TestSheets_EmptySheet(t *testing.T) {
	s := newTestSheets(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"range":"database!A1:A1","majorDimension":"ROWS"}`)
	})
	got, err := s.FetchRawDeals(context.Background())
	if err != nil {
		t.Fatalf("FetchRawDeals() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
}

func TestNewSheets_RequiresSpreadsheetID(t *testing.T) {
	if _, err := NewSheets(context.Background(), SheetsConfig{}); err == nil {
		t.Error("expected error for missing spreadsheet id")
	}
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokusearch/dealsync/internal/config"
	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/source"
	"github.com/tokusearch/dealsync/internal/storage"
)

const dealsTableHTML = `<html><body><table>
<tr><td>id</td><td>title</td><td>updated_at</td></tr>
<tr><td>1</td><td>A</td><td>2024-01-01</td></tr>
<tr><td>1</td><td>B</td><td>2024-02-01</td></tr>
<tr><td>2</td><td>C</td><td></td></tr>
</table></body></html>`

func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_URL", "POSTGRES_URL", "GOOGLE_CLOUD_PROJECT", "GOOGLE_SHEETS_SPREADSHEET_ID",
		"SOURCE_HTML_URLS", "SOURCE_ALLOWED_DOMAINS", "SOURCE_KIND", "SYNC_MIN_INTERVAL",
		"DISCORD_WEBHOOK_URL", "LOG_LEVEL", "PORT",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("STORE_BACKEND", "memory")
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "sync", "migrate", "backfill"}, names)
}

func TestSyncCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(dealsTableHTML))
	}))
	defer srv.Close()

	setBaseEnv(t)
	t.Setenv("SOURCE_HTML_URLS", srv.URL+"/pubhtml")

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"sync"})
	require.NoError(t, root.Execute())

	var got models.SyncResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &got), out.String())
	assert.Equal(t, 3, got.SourceCount)
	assert.Equal(t, 2, got.UniqueCount)
	assert.Equal(t, 2, got.UpsertedCount)
	assert.Equal(t, []models.DuplicateCount{{ID: "1", Count: 2}}, got.DuplicateSample)
}

func TestSyncCommand_NoSource(t *testing.T) {
	setBaseEnv(t)

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sync"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no source configured")
}

func TestBackfillCommand_RequiresFile(t *testing.T) {
	setBaseEnv(t)

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"backfill"})
	require.Error(t, root.Execute())
}

func TestMigrate_RejectsNonPostgres(t *testing.T) {
	setBaseEnv(t)

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"migrate", "up", "--yes"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestAsk(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"Y\n", true},
		{"no\n", false},
		{"\n", false},
		{"", false},
		{"yes", true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		assert.Equal(t, tt.want, ask(strings.NewReader(tt.input), &out, "Continue?"), "input %q", tt.input)
		assert.Equal(t, "Continue? (yes/no): ", out.String())
	}
}

func TestNewStore(t *testing.T) {
	store, err := newStore(context.Background(), &config.Config{StoreBackend: config.BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &storage.Memory{}, store)
	require.NoError(t, store.Close())

	_, err = newStore(context.Background(), &config.Config{StoreBackend: "mysql"})
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	src, err := newSource(context.Background(), &config.Config{SourceKind: config.SourceNone})
	require.NoError(t, err)
	assert.Nil(t, src)

	src, err = newSource(context.Background(), &config.Config{
		SourceKind:     config.SourceHTML,
		HTMLSourceURLs: []string{"https://a.example.com/x", "https://b.example.com/y"},
		AllowedDomains: []string{"example.com"},
	})
	require.NoError(t, err)
	assert.IsType(t, &source.Multi{}, src)

	_, err = newSource(context.Background(), &config.Config{SourceKind: config.SourceSheets})
	assert.Error(t, err, "sheets without a spreadsheet id")

	_, err = newSource(context.Background(), &config.Config{SourceKind: "ftp"})
	assert.Error(t, err)
}

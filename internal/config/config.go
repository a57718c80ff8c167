package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tokusearch/dealsync/internal/validator"
)

// Store backends.
const (
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendMemory    = "memory"
)

// Source kinds. SourceNone serves push ingest only.
const (
	SourceSheets = "sheets"
	SourceHTML   = "html"
	SourceNone   = "none"
)

type Config struct {
	Port     string `env:"PORT" validate:"required,numeric"`
	LogLevel string `env:"LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	APIKey   string `env:"SYNC_API_KEY"`

	StoreBackend        string `env:"STORE_BACKEND" validate:"oneof=postgres firestore memory"`
	DatabaseURL         string `env:"DATABASE_URL" validate:"required_if=StoreBackend postgres"`
	DBMaxConns          int32  `env:"DB_MAX_CONNS" validate:"gte=0"`
	ProjectID           string `env:"GOOGLE_CLOUD_PROJECT" validate:"required_if=StoreBackend firestore"`
	FirestoreCollection string `env:"FIRESTORE_COLLECTION" validate:"required"`

	SourceKind        string   `env:"SOURCE_KIND" validate:"oneof=sheets html none"`
	SpreadsheetID     string   `env:"GOOGLE_SHEETS_SPREADSHEET_ID" validate:"required_if=SourceKind sheets"`
	SheetName         string   `env:"GOOGLE_SHEETS_SHEET_NAME" validate:"required"`
	ServiceAccountKey string   `env:"GOOGLE_SERVICE_ACCOUNT_KEY"`
	SheetsAPIKey      string   `env:"GOOGLE_SHEETS_API_KEY"`
	HTMLSourceURLs    []string `env:"SOURCE_HTML_URLS" validate:"required_if=SourceKind html,dive,url"`
	AllowedDomains    []string `env:"SOURCE_ALLOWED_DOMAINS"`
	FetchRetries      int      `env:"SOURCE_FETCH_RETRIES" validate:"gte=0,lte=10"`

	SyncTimeout         time.Duration `env:"SYNC_TIMEOUT" validate:"gt=0"`
	SyncMinInterval     time.Duration `env:"SYNC_MIN_INTERVAL" validate:"gte=0"`
	DuplicateSampleSize int           `env:"DUPLICATE_SAMPLE_SIZE" validate:"gt=0"`
	IngestMaxDeals      int           `env:"INGEST_MAX_DEALS" validate:"gt=0"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" validate:"gte=0"`
	// TrustProxyHeaders keys rate limiting by X-Forwarded-For. Off unless
	// a proxy in front overwrites the header.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS"`

	DiscordWebhookURL string `env:"DISCORD_WEBHOOK_URL" validate:"omitempty,url"`
}

func Load() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
		slog.Info("Defaulting to port", "port", port)
	}

	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if logLevel == "" {
		logLevel = "info"
	}

	apiKey := firstEnv("SYNC_API_KEY", "N8N_API_KEY", "N8N_INGEST_API_KEY")
	if apiKey == "" {
		slog.Warn("SYNC_API_KEY not set, authenticated endpoints will reject every request")
	}

	databaseURL := firstEnv("DATABASE_URL", "POSTGRES_URL")

	storeBackend := strings.ToLower(os.Getenv("STORE_BACKEND"))
	if storeBackend == "" {
		storeBackend = BackendPostgres
		if databaseURL == "" && os.Getenv("GOOGLE_CLOUD_PROJECT") != "" {
			storeBackend = BackendFirestore
		}
		slog.Info("Defaulting store backend", "backend", storeBackend)
	}

	dbMaxConns, err := intEnv("DB_MAX_CONNS", 0)
	if err != nil {
		return nil, err
	}

	collection := os.Getenv("FIRESTORE_COLLECTION")
	if collection == "" {
		collection = "deals"
	}

	spreadsheetID := os.Getenv("GOOGLE_SHEETS_SPREADSHEET_ID")
	htmlURLs := listEnv("SOURCE_HTML_URLS")

	sourceKind := strings.ToLower(os.Getenv("SOURCE_KIND"))
	if sourceKind == "" {
		switch {
		case spreadsheetID != "":
			sourceKind = SourceSheets
		case len(htmlURLs) > 0:
			sourceKind = SourceHTML
		default:
			sourceKind = SourceNone
			slog.Warn("No source configured, only push ingest will be available")
		}
	}

	sheetName := os.Getenv("GOOGLE_SHEETS_SHEET_NAME")
	if sheetName == "" {
		sheetName = "database"
	}

	allowedDomains := listEnv("SOURCE_ALLOWED_DOMAINS")
	if len(allowedDomains) == 0 {
		allowedDomains = hostsOf(htmlURLs)
	}

	fetchRetries, err := intEnv("SOURCE_FETCH_RETRIES", 2)
	if err != nil {
		return nil, err
	}

	syncTimeout, err := durationEnv("SYNC_TIMEOUT", 4*time.Minute)
	if err != nil {
		return nil, err
	}

	syncMinInterval, err := durationEnv("SYNC_MIN_INTERVAL", 0)
	if err != nil {
		return nil, err
	}

	sampleSize, err := intEnv("DUPLICATE_SAMPLE_SIZE", 50)
	if err != nil {
		return nil, err
	}

	ingestMax, err := intEnv("INGEST_MAX_DEALS", 500)
	if err != nil {
		return nil, err
	}

	rps := 5.0
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS %q: %w", v, err)
		}
		rps = parsed
	}

	burst, err := intEnv("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}

	trustProxy := false
	if v := os.Getenv("TRUST_PROXY_HEADERS"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUST_PROXY_HEADERS %q: %w", v, err)
		}
		trustProxy = parsed
	}

	discordWebhookURL := os.Getenv("DISCORD_WEBHOOK_URL")
	if discordWebhookURL == "" {
		slog.Warn("DISCORD_WEBHOOK_URL not set, Discord notifications will be skipped")
	}

	cfg := &Config{
		Port:                port,
		LogLevel:            logLevel,
		APIKey:              apiKey,
		StoreBackend:        storeBackend,
		DatabaseURL:         databaseURL,
		DBMaxConns:          int32(dbMaxConns),
		ProjectID:           os.Getenv("GOOGLE_CLOUD_PROJECT"),
		FirestoreCollection: collection,
		SourceKind:          sourceKind,
		SpreadsheetID:       spreadsheetID,
		SheetName:           sheetName,
		ServiceAccountKey:   os.Getenv("GOOGLE_SERVICE_ACCOUNT_KEY"),
		SheetsAPIKey:        os.Getenv("GOOGLE_SHEETS_API_KEY"),
		HTMLSourceURLs:      htmlURLs,
		AllowedDomains:      allowedDomains,
		FetchRetries:        fetchRetries,
		SyncTimeout:         syncTimeout,
		SyncMinInterval:     syncMinInterval,
		DuplicateSampleSize: sampleSize,
		IngestMaxDeals:      ingestMax,
		RateLimitRPS:        rps,
		RateLimitBurst:      burst,
		TrustProxyHeaders:   trustProxy,
		DiscordWebhookURL:   discordWebhookURL,
	}

	if err := validator.New().ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration %v: %w", validator.FieldErrors(err), err)
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return parsed, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return parsed, nil
}

// listEnv splits a comma-separated variable, dropping empty entries.
func listEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostsOf(rawURLs []string) []string {
	var hosts []string
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

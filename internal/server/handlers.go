package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/normalizer"
	"github.com/tokusearch/dealsync/internal/processor"
	"github.com/tokusearch/dealsync/internal/validator"
)

const (
	// DefaultIngestMaxDeals caps one ingest request.
	DefaultIngestMaxDeals = 500

	defaultRecentDays = 7
	maxRecentDays     = 30
	recentDealsLimit  = 2000
	maxIngestBody     = 10 << 20
)

type handler struct {
	deps     Deps
	validate *validator.Validator
}

// ErrorEnvelope is the body of every failed response.
type ErrorEnvelope struct {
	Error        string `json:"error"`
	Kind         string `json:"kind,omitempty"`
	Stage        string `json:"stage,omitempty"`
	InvalidCount int    `json:"invalid_count,omitempty"`
}

// IngestEnvelope is the body of a successful ingest.
type IngestEnvelope struct {
	Success  bool               `json:"success"`
	Received int                `json:"received"`
	Upserted int                `json:"upserted"`
	Summary  *models.SyncResult `json:"summary"`
}

// RecentEnvelope is the body of the recent deals feed.
type RecentEnvelope struct {
	Days  int           `json:"days"`
	Deals []models.Deal `json:"deals"`
}

type ingestItem struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title" validate:"required"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runContext detaches the run from the client connection and bounds it
// by the configured sync timeout.
func (h *handler) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(r.Context())
	if h.deps.SyncTimeout > 0 {
		return context.WithTimeout(ctx, h.deps.SyncTimeout)
	}
	return context.WithCancel(ctx)
}

func (h *handler) syncDeals(w http.ResponseWriter, r *http.Request) {
	reqID := chimiddleware.GetReqID(r.Context())
	ctx, cancel := h.runContext(r)
	defer cancel()

	opts := processor.SyncOptions{Trigger: processor.TriggerAPI, MinInterval: h.deps.SyncMinInterval}
	if opts.MinInterval > 0 {
		last, err := h.deps.Store.LastSyncRun(ctx)
		if err != nil {
			slog.Warn("Failed to read last sync run, syncing anyway", "request_id", reqID, "error", err)
		} else if last != nil {
			opts.LastRun = last.FinishedAt
		}
	}

	result, err := h.deps.Syncer.Sync(ctx, opts)
	if err != nil {
		slog.Error("Sync failed", "request_id", reqID, "kind", models.ErrorKind(err), "stage", models.ErrorStage(err), "error", err)
		writeSyncError(w, err)
		return
	}
	slog.Info("Sync request completed", "request_id", reqID, "run_id", result.RunID, "skipped", result.Skipped)
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) ingestDeals(w http.ResponseWriter, r *http.Request) {
	reqID := chimiddleware.GetReqID(r.Context())

	items, err := decodeIngestBody(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "no deals provided")
		return
	}
	if len(items) > h.deps.IngestMaxDeals {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many deals (max %d)", h.deps.IngestMaxDeals))
		return
	}

	records := make([]models.RawRecord, 0, len(items))
	invalid := 0
	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok || h.validate.ValidateStruct(toIngestItem(rec)) != nil {
			invalid++
			continue
		}
		records = append(records, models.RawRecord(rec))
	}
	if invalid > 0 {
		writeJSON(w, http.StatusBadRequest, ErrorEnvelope{
			Error:        "invalid deal(s): id/title required",
			InvalidCount: invalid,
		})
		return
	}

	ctx, cancel := h.runContext(r)
	defer cancel()

	result, err := h.deps.Syncer.SyncRecords(ctx, records, processor.SyncOptions{Trigger: processor.TriggerIngest})
	if err != nil {
		slog.Error("Ingest failed", "request_id", reqID, "received", len(records), "stage", models.ErrorStage(err), "error", err)
		writeSyncError(w, err)
		return
	}
	slog.Info("Ingested deals", "request_id", reqID, "received", len(records), "upserted", result.UpsertedCount)
	writeJSON(w, http.StatusOK, IngestEnvelope{
		Success:  true,
		Received: len(records),
		Upserted: result.UpsertedCount,
		Summary:  result,
	})
}

func toIngestItem(rec map[string]any) ingestItem {
	id, _ := normalizer.String(rec["id"])
	title, _ := normalizer.String(rec["title"])
	return ingestItem{ID: id, Title: title}
}

// decodeIngestBody accepts a deal, an array of deals, {"deals": deal|[deals]}
// or {"items": [deals]}. Numbers are kept as json.Number.
func decodeIngestBody(body io.Reader) ([]any, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	case map[string]any:
		if d, ok := t["deals"]; ok && d != nil {
			if arr, ok := d.([]any); ok {
				return arr, nil
			}
			return []any{d}, nil
		}
		if items, ok := t["items"].([]any); ok {
			return items, nil
		}
		return []any{t}, nil
	default:
		return nil, fmt.Errorf("expected object or array, got %T", v)
	}
}

func (h *handler) recentDeals(w http.ResponseWriter, r *http.Request) {
	days := recentDays(r.URL.Query().Get("days"))
	since := h.deps.Clock().Add(-time.Duration(days) * 24 * time.Hour)

	deals, err := h.deps.Store.RecentDeals(r.Context(), since, recentDealsLimit)
	if err != nil {
		slog.Error("Failed to fetch recent deals", "request_id", chimiddleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch recent deals")
		return
	}
	if deals == nil {
		deals = []models.Deal{}
	}
	writeJSON(w, http.StatusOK, RecentEnvelope{Days: days, Deals: deals})
}

// recentDays parses the days parameter, clamped to 1..30 with 7 for
// missing or unparsable input.
func recentDays(raw string) int {
	days, err := strconv.Atoi(raw)
	if err != nil || days == 0 {
		return defaultRecentDays
	}
	return max(1, min(maxRecentDays, days))
}

// statusFor maps a sync error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrSourceFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeSyncError(w http.ResponseWriter, err error) {
	msg := err.Error()
	if errors.Is(err, models.ErrUnauthorized) {
		msg = "unauthorized"
	}
	writeJSON(w, statusFor(err), ErrorEnvelope{
		Error: msg,
		Kind:  models.ErrorKind(err),
		Stage: models.ErrorStage(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorEnvelope{Error: msg})
}

package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds a sync run can end with.
// Handlers map them to status codes with errors.Is.
var (
	// ErrUnauthorized is returned when the caller's key is absent or wrong.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSourceFetch is returned when the upstream feed could not be read.
	// No transaction has been opened when it is returned.
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrPersistence is returned when the store rejects a write or commit.
	// The whole run has been rolled back when it is returned.
	ErrPersistence = errors.New("persistence failed")
)

// Sync stages, reported in SyncError.Stage.
const (
	StageFetch  = "fetch"
	StageBegin  = "begin"
	StageUpsert = "upsert"
	StageRecord = "record"
	StageCommit = "commit"
)

// SyncError describes which stage of a run failed and, for per-record
// failures, which deal.
type SyncError struct {
	Kind   error
	Stage  string
	DealID string
	Err    error
}

func (e *SyncError) Error() string {
	if e.DealID != "" {
		return fmt.Sprintf("%s: %s deal %s: %v", e.Kind, e.Stage, e.DealID, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *SyncError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ErrorKind names the failure class of err for API payloads.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "authorization"
	case errors.Is(err, ErrSourceFetch):
		return "source_fetch"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}

// ErrorStage returns the failing stage recorded in err, if any.
func ErrorStage(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

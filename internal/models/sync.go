package models

import "time"

// DuplicateCount reports how many times an id occurred in one input batch.
type DuplicateCount struct {
	ID    string `json:"id" firestore:"id"`
	Count int    `json:"count" firestore:"count"`
}

// SyncResult is the summary returned to whoever triggered a sync run.
type SyncResult struct {
	RunID            string           `json:"run_id"`
	SourceCount      int              `json:"source_count"`
	UniqueCount      int              `json:"unique_count"`
	UpsertedCount    int              `json:"upserted_count"`
	DuplicateIDCount int              `json:"duplicate_id_count"`
	DuplicateSample  []DuplicateCount `json:"duplicate_sample"`
	Skipped          bool             `json:"skipped,omitempty"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
}

// SyncRun is the audit record written in the same transaction as the
// deals of a run.
type SyncRun struct {
	ID               string           `firestore:"id"`
	Trigger          string           `firestore:"trigger"`
	StartedAt        time.Time        `firestore:"started_at"`
	FinishedAt       time.Time        `firestore:"finished_at"`
	SourceCount      int              `firestore:"source_count"`
	UniqueCount      int              `firestore:"unique_count"`
	UpsertedCount    int              `firestore:"upserted_count"`
	DuplicateIDCount int              `firestore:"duplicate_id_count"`
	DuplicateSample  []DuplicateCount `firestore:"duplicate_sample"`
}

// Run converts a committed result into its audit record.
func (r SyncResult) Run(trigger string) SyncRun {
	return SyncRun{
		ID:               r.RunID,
		Trigger:          trigger,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		SourceCount:      r.SourceCount,
		UniqueCount:      r.UniqueCount,
		UpsertedCount:    r.UpsertedCount,
		DuplicateIDCount: r.DuplicateIDCount,
		DuplicateSample:  r.DuplicateSample,
	}
}

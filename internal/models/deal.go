package models

import (
	"time"
)

// DefaultCategoryMain is stored when a record has no main category.
const DefaultCategoryMain = "その他"

// DefaultPriority is stored when a record has no priority code.
const DefaultPriority = "C"

// DateLayout is the calendar-day format of Deal.Date.
const DateLayout = "2006-01-02"

// Known category_main values. Other values are stored as-is.
const (
	CategoryDrugstore = "ドラッグストア・日用品"
	CategorySupermart = "スーパー・量販店・EC"
	CategoryGourmet   = "グルメ・外食"
	CategoryTravel    = "旅行・交通"
	CategoryPayment   = "決済・ポイント"
	CategoryTobacco   = "タバコ・嗜好品"
)

// RawRecord is one untyped row as received from a source feed.
// Values may be strings, float64, json.Number, bool, time.Time or nil.
type RawRecord map[string]any

// Deal is the canonical, fully typed record persisted by a sync run.
// Pointer fields are nullable columns.
type Deal struct {
	ID             string   `json:"id" firestore:"id"`
	Date           string   `json:"date" firestore:"date"`
	Title          string   `json:"title" firestore:"title"`
	Summary        *string  `json:"summary" firestore:"summary"`
	Detail         *string  `json:"detail" firestore:"detail"`
	Steps          *string  `json:"steps" firestore:"steps"`
	Service        *string  `json:"service" firestore:"service"`
	Expiration     *string  `json:"expiration" firestore:"expiration"`
	Conditions     *string  `json:"conditions" firestore:"conditions"`
	Notes          *string  `json:"notes" firestore:"notes"`
	CategoryMain   string   `json:"category_main" firestore:"category_main"`
	CategorySub    *string  `json:"category_sub" firestore:"category_sub"`
	IsPublic       bool     `json:"is_public" firestore:"is_public"`
	Priority       string   `json:"priority" firestore:"priority"`
	DiscountRate   *float64 `json:"discount_rate" firestore:"discount_rate"`
	DiscountAmount *int64   `json:"discount_amount" firestore:"discount_amount"`
	Score          int64    `json:"score" firestore:"score"`

	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at"`

	// Classification tags
	Difficulty     *string `json:"difficulty" firestore:"difficulty"`
	AreaType       *string `json:"area_type" firestore:"area_type"`
	TargetUserType *string `json:"target_user_type" firestore:"target_user_type"`
	UsageType      *string `json:"usage_type" firestore:"usage_type"`
	IsWelkatsu     *bool   `json:"is_welkatsu" firestore:"is_welkatsu"`
	Tags           *string `json:"tags" firestore:"tags"`
}

// MergeTimestamps returns the timestamps a stored deal must hold after
// incoming is merged into existing: the earliest creation time and the
// latest update time.
func MergeTimestamps(existing, incoming Deal) (createdAt, updatedAt time.Time) {
	createdAt = existing.CreatedAt
	if incoming.CreatedAt.Before(createdAt) {
		createdAt = incoming.CreatedAt
	}
	updatedAt = existing.UpdatedAt
	if incoming.UpdatedAt.After(updatedAt) {
		updatedAt = incoming.UpdatedAt
	}
	return createdAt, updatedAt
}

// Merge applies incoming on top of existing. Content fields are replaced
// unconditionally; only created_at and updated_at are merged monotonically,
// so a stale run still overwrites content.
func Merge(existing, incoming Deal) Deal {
	merged := incoming
	merged.CreatedAt, merged.UpdatedAt = MergeTimestamps(existing, incoming)
	return merged
}

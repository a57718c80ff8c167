// Package normalizer coerces loosely typed source rows into models.Deal.
//
// Every function here is total: malformed input degrades to a documented
// default instead of producing an error.
package normalizer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tokusearch/dealsync/internal/models"
	"github.com/tokusearch/dealsync/internal/util"
)

// Normalizer maps raw records to deals using an injected clock for the
// date and timestamp fallbacks.
type Normalizer struct {
	now func() time.Time
}

// New returns a Normalizer reading the current time from clock.
// A nil clock means time.Now.
func New(clock func() time.Time) *Normalizer {
	if clock == nil {
		clock = time.Now
	}
	return &Normalizer{now: clock}
}

// Normalize converts raw into a Deal stored under id.
func (n *Normalizer) Normalize(raw models.RawRecord, id string) models.Deal {
	return Normalize(raw, id, n.now())
}

// Normalize converts raw into a Deal stored under id, using now for the
// date and created_at fallbacks.
func Normalize(raw models.RawRecord, id string, now time.Time) models.Deal {
	now = now.UTC()

	d := models.Deal{
		ID:             id,
		Date:           Date(raw["date"], now),
		Title:          stringOr(raw["title"], ""),
		Summary:        StringPtr(raw["summary"]),
		Detail:         StringPtr(raw["detail"]),
		Steps:          StringPtr(raw["steps"]),
		Service:        StringPtr(raw["service"]),
		Expiration:     StringPtr(raw["expiration"]),
		Conditions:     StringPtr(raw["conditions"]),
		Notes:          StringPtr(raw["notes"]),
		CategoryMain:   stringOr(raw["category_main"], models.DefaultCategoryMain),
		CategorySub:    StringPtr(raw["category_sub"]),
		IsPublic:       boolOr(raw["is_public"], true),
		Priority:       Priority(raw["priority"]),
		DiscountRate:   Number(raw["discount_rate"]),
		DiscountAmount: Int(raw["discount_amount"]),
		Difficulty:     StringPtr(raw["difficulty"]),
		AreaType:       StringPtr(raw["area_type"]),
		TargetUserType: StringPtr(raw["target_user_type"]),
		UsageType:      StringPtr(raw["usage_type"]),
		IsWelkatsu:     Bool(raw["is_welkatsu"]),
		Tags:           StringPtr(raw["tags"]),
	}
	if score := Int(raw["score"]); score != nil {
		d.Score = *score
	}

	createdAt, ok := Timestamp(raw["created_at"])
	if !ok {
		createdAt = now
	}
	updatedAt, ok := Timestamp(raw["updated_at"])
	if !ok {
		updatedAt = createdAt
	}
	d.CreatedAt = createdAt
	d.UpdatedAt = updatedAt
	return d
}

// String resolves v to a trimmed string. It reports false when v is nil,
// blank or the literal "null" in any case.
func String(v any) (string, bool) {
	s, ok := stringify(v)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return "", false
	}
	return s, true
}

// StringPtr is String for nullable columns.
func StringPtr(v any) *string {
	s, ok := String(v)
	if !ok {
		return nil
	}
	return &s
}

func stringOr(v any, def string) string {
	if s, ok := String(v); ok {
		return s
	}
	return def
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return formatFloat(t), true
	case float32:
		return formatFloat(float64(t)), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case *string:
		if t == nil {
			return "", false
		}
		return *t, true
	default:
		return "", false
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var (
	trueTokens  = map[string]bool{"true": true, "t": true, "1": true, "yes": true, "y": true, "on": true}
	falseTokens = map[string]bool{"false": true, "f": true, "0": true, "no": true, "n": true, "off": true}
)

// Bool resolves v to a boolean. Native booleans pass through; strings and
// numbers are matched case-insensitively against the true and false token
// sets. Anything else yields nil.
func Bool(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	s, ok := String(v)
	if !ok {
		return nil
	}
	s = strings.ToLower(s)
	switch {
	case trueTokens[s]:
		b := true
		return &b
	case falseTokens[s]:
		b := false
		return &b
	}
	return nil
}

func boolOr(v any, def bool) bool {
	if b := Bool(v); b != nil {
		return *b
	}
	return def
}

// Number resolves v to a finite float. Thousands separators are ignored.
// Booleans, non-finite and unparsable values yield nil.
func Number(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case bool:
		return nil
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	default:
		s, ok := String(v)
		if !ok {
			return nil
		}
		f, ok = util.ParseFiniteFloat(s)
		if !ok {
			return nil
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Int is Number truncated toward zero. Values outside the int64 range
// yield nil.
func Int(v any) *int64 {
	if i, ok := v.(int64); ok {
		return &i
	}
	f := Number(v)
	if f == nil {
		return nil
	}
	i, ok := util.TruncateToInt64(*f)
	if !ok {
		return nil
	}
	return &i
}

// Priority returns the first character of v, or models.DefaultPriority.
func Priority(v any) string {
	s, ok := String(v)
	if !ok {
		return models.DefaultPriority
	}
	for _, r := range s {
		return string(r)
	}
	return models.DefaultPriority
}

// Date returns v when it is a real calendar day written as YYYY-MM-DD,
// otherwise today's date in UTC.
func Date(v any, now time.Time) string {
	if s, ok := String(v); ok && len(s) == len(models.DateLayout) {
		if _, err := time.Parse(models.DateLayout, s); err == nil {
			return s
		}
	}
	return now.UTC().Format(models.DateLayout)
}

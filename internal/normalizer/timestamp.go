package normalizer

import (
	"encoding/json"
	"strings"
	"time"
)

// timestampLayouts are tried in order. Layouts without a zone are read
// as UTC. Fractional seconds are accepted after any seconds field.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-1-2",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
	"2006/1/2",
	time.RFC1123Z,
	time.RFC1123,
	"Mon Jan 2 2006 15:04:05 GMT-0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// Timestamp parses v as a point in time. time.Time values pass through
// unless zero; native numbers are read as Unix milliseconds.
func Timestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case float64:
		return fromMillis(t)
	case int64:
		return fromMillis(float64(t))
	case int:
		return fromMillis(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return fromMillis(f)
		}
		return time.Time{}, false
	}

	s, ok := String(v)
	if !ok {
		return time.Time{}, false
	}
	s = trimZoneName(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// trimZoneName drops a trailing parenthesised zone name, as in
// "Tue Jan 02 2024 03:04:05 GMT+0900 (Japan Standard Time)".
func trimZoneName(s string) string {
	if !strings.HasSuffix(s, ")") {
		return s
	}
	i := strings.LastIndex(s, " (")
	if i <= 0 {
		return s
	}
	return strings.TrimSpace(s[:i])
}

// UnixMillis returns the Unix millisecond value of v, or false when v is
// not a usable timestamp. Times at or before the epoch are not usable.
func UnixMillis(v any) (int64, bool) {
	ts, ok := Timestamp(v)
	if !ok {
		return 0, false
	}
	ms := ts.UnixMilli()
	if ms <= 0 {
		return 0, false
	}
	return ms, true
}

func fromMillis(ms float64) (time.Time, bool) {
	if ms != ms || ms > 8.64e15 || ms < -8.64e15 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}

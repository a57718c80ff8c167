package util

import (
	"math"
	"strconv"
	"strings"
)

// StripThousandsSeparators removes comma group separators, e.g. "1,234" -> "1234".
func StripThousandsSeparators(s string) string {
	return strings.ReplaceAll(s, ",", "")
}

// ParseFiniteFloat parses s after trimming and removing thousands separators.
// It reports false for empty, unparsable, NaN and infinite input.
func ParseFiniteFloat(s string) (float64, bool) {
	s = StripThousandsSeparators(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// TruncateToInt64 truncates f toward zero. It reports false when the
// result does not fit in an int64.
func TruncateToInt64(f float64) (int64, bool) {
	t := math.Trunc(f)
	if math.IsNaN(t) || t < math.MinInt64 || t >= math.MaxInt64 {
		return 0, false
	}
	return int64(t), true
}

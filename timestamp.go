package converge

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// The backend sends both without a unit field; values above 10^12 are
// treated as milliseconds.
const epochMillisThreshold = 1e12

// maxEpochMillis bounds epoch values before conversion: 8.64e15 ms is the
// largest date a JavaScript client can represent.
const maxEpochMillis = 8.64e15

// canonicalLayout is ISO-8601 in UTC with millisecond precision.
const canonicalLayout = "2006-01-02T15:04:05.000Z07:00"

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
}

// NormalizeTimestamp converts a raw server timestamp into a time.Time.
// It accepts nil, integer and float kinds, json.Number, numeric strings and
// date strings. It never panics; ok is false when v cannot be interpreted.
func NormalizeTimestamp(v any) (t time.Time, ok bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		return inRange(x)
	case json.Number:
		return normalizeString(x.String())
	case string:
		return normalizeString(x)
	case float64:
		return fromEpoch(x)
	case float32:
		return fromEpoch(float64(x))
	case int:
		return fromEpoch(float64(x))
	case int64:
		return fromEpochInt(x)
	case int32:
		return fromEpochInt(int64(x))
	case uint:
		return fromEpoch(float64(x))
	case uint64:
		return fromEpoch(float64(x))
	case uint32:
		return fromEpochInt(int64(x))
	}
	return time.Time{}, false
}

// CanonicalTimestamp returns the ISO-8601 form of v, or nil when v cannot
// be interpreted.
func CanonicalTimestamp(v any) *string {
	t, ok := NormalizeTimestamp(v)
	if !ok {
		return nil
	}
	s := t.UTC().Format(canonicalLayout)
	return &s
}

// FormatTimestamp renders t in canonical form; the zero time is an unknown
// time, not an error.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "unknown time"
	}
	return t.UTC().Format(canonicalLayout)
}

func normalizeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpochInt(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func fromEpochInt(n int64) (time.Time, bool) {
	switch {
	case n > maxEpochMillis || n < -epochMillisThreshold:
		return time.Time{}, false
	case n > epochMillisThreshold:
		return inRange(time.UnixMilli(n))
	}
	return inRange(time.Unix(n, 0))
}

func fromEpoch(f float64) (time.Time, bool) {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return time.Time{}, false
	case f > maxEpochMillis || f < -epochMillisThreshold:
		return time.Time{}, false
	case f > epochMillisThreshold:
		return inRange(time.UnixMicro(int64(math.Round(f * 1e3))))
	}
	return inRange(time.UnixMicro(int64(math.Round(f * 1e6))))
}

// inRange keeps times with a four-digit year, the range ISO-8601 output
// and JSON encoding support.
func inRange(t time.Time) (time.Time, bool) {
	t = t.UTC()
	if y := t.Year(); y < 0 || y > 9999 {
		return time.Time{}, false
	}
	return t, true
}

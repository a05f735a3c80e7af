package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts ISO-8601 variants and unix seconds or milliseconds.
// Values without a zone are read as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

// timestampFromJSON handles the ts field as either a string or a number.
func timestampFromJSON(v any) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		if strings.TrimSpace(ts) == "" {
			return time.Time{}, nil
		}
		return ParseTimestamp(ts)
	case float64:
		if ts <= 0 || math.IsNaN(ts) || math.IsInf(ts, 0) {
			return time.Time{}, fmt.Errorf("invalid numeric timestamp: %v", ts)
		}
		return parseUnix(strconv.FormatInt(int64(ts), 10))
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// clampTimestamp replaces a missing or implausibly skewed device time with now.
func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 && now.Sub(ts) > maxPast {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

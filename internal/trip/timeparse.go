package trip

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Textual layouts observed in feeds from older tracking devices. Tried in
// order after the numeric and RFC3339 forms.
var textualLayouts = []string{
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	"2006-01-02",
}

// Numeric timestamps resolving before this instant are rejected: a
// truncated value like "0" would otherwise parse to 1970, survive the
// aggregator's zero-time guard, and pair into a multi-decade segment.
var numericTimestampFloor = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// ParseTimestamp normalizes the heterogeneous timestamp representations
// accepted at the ingestion boundary: epoch millis, epoch seconds
// (10-digit values are scaled by 1000), RFC3339 instants, and a small set
// of textual formats. All results are UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrParse)
	}

	if isDigits(value) {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: numeric timestamp out of range: %s", ErrParse, raw)
		}
		ts := time.UnixMilli(n).UTC()
		if len(value) == 10 {
			// Epoch seconds
			ts = time.Unix(n, 0).UTC()
		}
		if ts.Before(numericTimestampFloor) {
			return time.Time{}, fmt.Errorf("%w: numeric timestamp implausibly old: %s", ErrParse, raw)
		}
		return ts, nil
	}

	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}

	for _, layout := range textualLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: unparseable timestamp: %s", ErrParse, raw)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

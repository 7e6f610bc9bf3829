// Package timespec parses the time arguments accepted by CLI flags.
//
// A specification is either a Go duration ("15m", "1h30m"), interpreted as
// that long before now, or an absolute RFC 3339 timestamp
// ("2026-08-28T13:00:00Z").
package timespec

import (
	"fmt"
	"time"
)

// Parse resolves a single specification to a point in time.
func Parse(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m' or RFC 3339 like '2026-08-28T13:00:00Z')", spec)
}

// ParseRange resolves since and until specifications to a time window.
// An empty specification leaves that bound open and returns the zero time.
func ParseRange(since, until string) (time.Time, time.Time, error) {
	var sinceT, untilT time.Time
	var err error

	if since != "" {
		sinceT, err = Parse(since)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		untilT, err = Parse(until)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !sinceT.IsZero() && !untilT.IsZero() && !sinceT.Before(untilT) {
		return time.Time{}, time.Time{}, fmt.Errorf("--since must be before --until")
	}

	return sinceT, untilT, nil
}

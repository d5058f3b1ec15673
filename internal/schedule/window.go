// Package schedule validates candidate appointment date/times against the
// admissible scheduling window. The check is a pure function of its inputs:
// no clock access, no state, safe for concurrent use without synchronization.
//
// The window spans (now, now + horizonDays]; a candidate in the past or
// beyond the horizon is rejected. Double-booking and provider capacity are
// deliberately not checked here.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

// DefaultHorizonDays is the scheduling horizon applied when the caller does
// not configure one.
const DefaultHorizonDays = 30

// ErrRejectedWindow indicates a candidate date/time outside the admissible
// scheduling window. Wrap-aware callers can match it with errors.Is.
var ErrRejectedWindow = errors.New("date/time outside the scheduling window")

// Validate checks that candidate is an admissible proposal relative to now:
// not in the past and not beyond horizonDays in the future. A horizonDays
// value <= 0 falls back to DefaultHorizonDays.
//
// The returned error wraps ErrRejectedWindow and carries a human-readable
// description of which bound was violated.
func Validate(candidate, now time.Time, horizonDays int) error {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	if candidate.Before(now) {
		return fmt.Errorf("%w: %s is in the past", ErrRejectedWindow, candidate.UTC().Format(time.RFC3339))
	}
	limit := now.Add(time.Duration(horizonDays) * 24 * time.Hour)
	if candidate.After(limit) {
		return fmt.Errorf("%w: %s is more than %d days ahead", ErrRejectedWindow, candidate.UTC().Format(time.RFC3339), horizonDays)
	}
	return nil
}

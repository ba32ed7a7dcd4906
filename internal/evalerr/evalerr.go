// Package evalerr defines the error categories surfaced by the evaluation
// pipeline. Callers classify errors with errors.Is against the sentinels and
// extract details with errors.As on the typed errors.
package evalerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConfiguration marks a caller mistake detected before dispatch:
	// invalid capacity, invalid resources, missing template or resource file.
	ErrConfiguration = errors.New("configuration error")
	// ErrSubmission marks a scheduler that rejected or failed to accept a request.
	ErrSubmission = errors.New("submission error")
	// ErrUnitFailure marks a unit whose runner exited abnormally or never
	// produced output. It is recovered locally by the gatherer.
	ErrUnitFailure = errors.New("unit failure")
	// ErrTimeout marks a completion deadline that elapsed with units outstanding.
	ErrTimeout = errors.New("timeout")
	// ErrLostUnits marks a poll that saw more lost units than allowed.
	ErrLostUnits = errors.New("too many lost units")
	// ErrCacheIntegrity marks a persisted cache with inconsistent shape.
	ErrCacheIntegrity = errors.New("cache integrity error")
)

// Configf returns a configuration error with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// FieldError reports an invalid configuration field by name.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *FieldError) Is(target error) bool { return target == ErrConfiguration }

// SubmissionError reports a scheduler request that failed for a set of units.
type SubmissionError struct {
	Backend string
	Units   []int
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submitting units %s: %v", e.Backend, formatIDs(e.Units), e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// TimeoutError reports the units still outstanding when the deadline elapsed.
// Their scheduler jobs are left running.
type TimeoutError struct {
	Deadline    time.Duration
	Outstanding []int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deadline %s elapsed with %d unit(s) outstanding: %s",
		e.Deadline, len(e.Outstanding), formatIDs(e.Outstanding))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// LostUnitsError reports units the scheduler terminated abnormally.
type LostUnitsError struct {
	Threshold int
	Lost      []int
}

func (e *LostUnitsError) Error() string {
	return fmt.Sprintf("%d unit(s) lost (threshold %d): %s", len(e.Lost), e.Threshold, formatIDs(e.Lost))
}

func (e *LostUnitsError) Is(target error) bool { return target == ErrLostUnits }

// UnitError reports a localized unit failure.
type UnitError struct {
	Unit   int
	Reason string
	Err    error
}

func (e *UnitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unit %d: %s", e.Unit, e.Reason)
	}
	return fmt.Sprintf("unit %d: %s: %v", e.Unit, e.Reason, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

func (e *UnitError) Is(target error) bool { return target == ErrUnitFailure }

// Integrityf returns a cache integrity error with a formatted message.
func Integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCacheIntegrity, fmt.Sprintf(format, args...))
}

func formatIDs(ids []int) string {
	const limit = 10
	parts := make([]string, 0, len(ids))
	for i, id := range ids {
		if i == limit {
			parts = append(parts, fmt.Sprintf("... (%d more)", len(ids)-limit))
			break
		}
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

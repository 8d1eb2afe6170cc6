/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Reference errors - a code or aggregate could not be resolved
  2. Validation errors - the requested target state is malformed
  3. Invariant errors - the current (stored) state is already corrupt

ALL-OR-NOTHING:
  Every error here is raised before any interval is touched. Callers never
  see a partially reconciled snapshot.

USAGE:
  if errors.Is(err, generic.ErrReferenceNotFound) {
      // reject the request, nothing was written
  }

SEE ALSO:
  - interval.go: Raises InvariantViolationError
  - activities/errors.go: Domain errors wrapping these sentinels
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrReferenceNotFound is returned when an incentive level, pay band,
	// activity or booking cannot be resolved.
	ErrReferenceNotFound = errors.New("reference not found")

	// ErrInvalidInterval is returned when a requested window has start >= end.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidRequest is returned for malformed requests that are not
	// interval problems (duplicate keys, negative rates).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvariantViolation is returned when stored intervals overlap or a key
	// has more than one open or pending interval. It indicates upstream data
	// corruption and is never repaired silently.
	ErrInvariantViolation = errors.New("interval invariant violation")

	// ErrConflict is returned when the stored state is ambiguous for the
	// requested operation (e.g. duplicate rows).
	ErrConflict = errors.New("conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ReferenceNotFoundError names the unresolved reference.
type ReferenceNotFoundError struct {
	Kind string // "incentive_level", "pay_band", "activity", "booking", ...
	Code string
	// Scope qualifies Code when codes are only unique within a scope (prison).
	Scope string
}

func (e *ReferenceNotFoundError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s %q not found in %s", e.Kind, e.Code, e.Scope)
	}
	return fmt.Sprintf("%s %q not found", e.Kind, e.Code)
}

func (e *ReferenceNotFoundError) Unwrap() error { return ErrReferenceNotFound }

// NotFound builds a ReferenceNotFoundError.
func NotFound(kind, code string) error {
	return &ReferenceNotFoundError{Kind: kind, Code: code}
}

// InvalidIntervalError describes a window whose start is not before its end.
type InvalidIntervalError struct {
	Subject string
	Start   string
	End     string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("%s: start %s must be before end %s", e.Subject, e.Start, e.End)
}

func (e *InvalidIntervalError) Unwrap() error { return ErrInvalidInterval }

// InvariantViolationError describes corrupt stored state for a key.
type InvariantViolationError struct {
	Key    string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("interval invariant violated for %s: %s", e.Key, e.Reason)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsNotFound returns true if the error indicates a missing reference.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReferenceNotFound)
}

// IsConflict returns true if the stored state is ambiguous for the request.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

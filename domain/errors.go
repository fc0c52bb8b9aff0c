/*
errors.go - Centralized error taxonomy for the work ledger

PURPOSE:
  All domain error kinds in one place. The API layer maps these to HTTP
  status codes and the canonical error envelope; domain packages wrap them
  with context.

ERROR CATEGORIES:
  1. Validation   - malformed payloads, bad enums, negative money
  2. Auth         - missing/invalid credentials, web access for workers
  3. Authorization- role mismatch, forbidden invoice operations
  4. State        - missing targets, stale transitions, used preview tokens
  5. Concurrency  - replayed idempotency keys
  6. Policy       - photo threshold, export caps

USAGE:
    if errors.Is(err, domain.ErrStaleState) { ... }

    var dup *domain.DuplicateKeyError
    if errors.As(err, &dup) {
        // dup.ScopeHash echoes the original request hash
    }

SEE ALSO:
  - api/errors.go: HTTP status + envelope mapping
  - store/sqlite: Wraps these from constraint violations
*/
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed or out-of-range input.
	ErrValidation = errors.New("validation error")

	// ErrStaleState is returned for a transition incompatible with the
	// record's current state (e.g. approving an already-rejected item).
	ErrStaleState = errors.New("stale state")

	// ErrDuplicateIdempotencyKey is returned when a key is replayed.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrForbiddenOp is returned for the denied invoice mutation kinds.
	ErrForbiddenOp = errors.New("forbidden operation")

	// ErrForbiddenRole is returned when the caller's role lacks a capability.
	ErrForbiddenRole = errors.New("forbidden role")

	// ErrUnauthorized is returned for missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAccessDeniedWeb is returned when a worker logs in through the web
	// channel, regardless of credential validity.
	ErrAccessDeniedWeb = errors.New("web access denied for role")

	// ErrGone is returned for an already-used preview token.
	ErrGone = errors.New("gone")

	// ErrPhotoRequired is returned for expenses over the photo threshold
	// submitted without a photo reference.
	ErrPhotoRequired = errors.New("photo required")

	// ErrExportLimitExceeded is returned when an export matches more rows
	// than the hard cap.
	ErrExportLimitExceeded = errors.New("export limit exceeded")

	// ErrUnknownRateCode is returned by the pricing engine for codes or
	// categories absent from the loaded rules. Never priced as zero.
	ErrUnknownRateCode = errors.New("unknown rate code")

	// ErrAuditRequired is returned when a mutating session tries to commit
	// without an audit entry and a metric event. Store-level invariant.
	ErrAuditRequired = errors.New("mutating session committed no audit entry")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateKeyError reports an idempotency replay with the stored scope hash
// so the client can verify what the original request was.
type DuplicateKeyError struct {
	Key       string
	ScopeHash string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("idempotency key %q already used (scope %s)", e.Key, e.ScopeHash)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateIdempotencyKey }

// ForbiddenOpError names the denied suggestion kind and at which layer it
// was caught.
type ForbiddenOpError struct {
	Kind  string
	Layer string // "suggest" or "apply"
}

func (e *ForbiddenOpError) Error() string {
	return fmt.Sprintf("forbidden operation %q denied at %s", e.Kind, e.Layer)
}

func (e *ForbiddenOpError) Unwrap() error { return ErrForbiddenOp }

// ExportLimitError carries the matched total against the cap.
type ExportLimitError struct {
	Total int
	Limit int
}

func (e *ExportLimitError) Error() string {
	return fmt.Sprintf("export matches %d rows, limit is %d", e.Total, e.Limit)
}

func (e *ExportLimitError) Unwrap() error { return ErrExportLimitExceeded }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StaleStateError reports the state that blocked a transition.
type StaleStateError struct {
	Kind    string
	ID      int64
	Current string
	Wanted  string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("%s %d is %s, cannot move to %s", e.Kind, e.ID, e.Current, e.Wanted)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleState }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is the caller's fault and should
// not be logged as an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStaleState) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrForbiddenOp) ||
		errors.Is(err, ErrForbiddenRole) ||
		errors.Is(err, ErrPhotoRequired) ||
		errors.Is(err, ErrExportLimitExceeded) ||
		errors.Is(err, ErrUnknownRateCode) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrGone)
}

// IsConflict reports whether the error maps to HTTP 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStaleState) || errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound reports whether the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

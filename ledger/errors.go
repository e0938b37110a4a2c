/*
errors.go - Error taxonomy shared by the ledger engine and its callers

ERROR CATEGORIES:
  1. Validation    - malformed or out-of-range input, rejected with no effect
  2. DataIntegrity - stored data violates an invariant; surfaced, never patched
  3. NotFound      - referenced warehouse, SKU or rate is absent
  4. Conflict      - a rate change would orphan already-costed entries
  5. PartialFailure - some warehouses failed in a multi-warehouse pass

USAGE:
  Structured errors unwrap to a sentinel, so both forms work:

    if errors.Is(err, ledger.ErrConflict) { ... }

    var pf *ledger.PartialFailureError
    if errors.As(err, &pf) { retry(pf.FailedWarehouses()) }
*/
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation     = errors.New("validation failed")
	ErrDataIntegrity  = errors.New("data integrity violation")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrPartialFailure = errors.New("partial failure")

	// ErrConfirmationRequired is returned by destructive admin operations
	// called without their explicit confirmation flag.
	ErrConfirmationRequired = fmt.Errorf("%w: confirmation required", ErrValidation)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DataIntegrityError reports an invariant broken by data already stored.
type DataIntegrityError struct {
	Invariant string
	Keys      []string
	Detail    string
}

func (e *DataIntegrityError) Error() string {
	msg := "data integrity: " + e.Invariant
	if len(e.Keys) > 0 {
		msg += " [" + strings.Join(e.Keys, ", ") + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DataIntegrityError) Unwrap() error { return ErrDataIntegrity }

type NotFoundError struct {
	Kind string // "warehouse", "sku", "cost_rate", "transaction"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned when a rate window shrink would strand entries
// that already cite the rate, and recalculation was not requested.
type ConflictError struct {
	RateID          string
	AffectedEntries int
	Message         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on cost rate %s: %s (%d entries affected, retry with recalculate)",
		e.RateID, e.Message, e.AffectedEntries)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PartialFailureError lists warehouses that failed while others committed.
type PartialFailureError struct {
	Operation string
	Failures  map[string]error // warehouse code -> cause
}

func (e *PartialFailureError) Error() string {
	codes := e.FailedWarehouses()
	parts := make([]string, 0, len(codes))
	for _, c := range codes {
		parts = append(parts, c+": "+e.Failures[c].Error())
	}
	return fmt.Sprintf("%s failed for %d warehouse(s): %s", e.Operation, len(codes), strings.Join(parts, "; "))
}

func (e *PartialFailureError) Unwrap() error { return ErrPartialFailure }

// FailedWarehouses returns the failed warehouse codes, sorted.
func (e *PartialFailureError) FailedWarehouses() []string {
	codes := make([]string, 0, len(e.Failures))
	for c := range e.Failures {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

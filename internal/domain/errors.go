package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the reconciliation engine. Parse failures and low
// confidence are not in this list on purpose: they are routed to queues, not
// surfaced as errors.
var (
	// ErrNotFound: the record does not exist in the caller's institution.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyAllocated: a concurrent operator won the allocation race.
	// The caller must refresh and pick a different transaction.
	ErrAlreadyAllocated = errors.New("transaction already allocated")

	// ErrNotAllocated: reversal requested for a transaction that is not
	// currently allocated.
	ErrNotAllocated = errors.New("transaction is not allocated")

	// ErrCrossInstitution: the record belongs to another institution.
	// Always logged as an authorization violation, never silently corrected.
	ErrCrossInstitution = errors.New("cross-institution access denied")

	// ErrValidation: rejected input, returned before anything is persisted.
	ErrValidation = errors.New("validation failed")
)

// ParseError describes why a raw message could not be turned into a
// transaction. It is recorded on the message and surfaced in the
// parse-errors queue rather than propagated as a request failure.
type ParseError struct {
	// Stage is "rules", "fallback", or "normalize".
	Stage  string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed (%s): %s", e.Stage, e.Detail)
}

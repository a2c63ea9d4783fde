// Package emierr defines the error kinds shared by the EMI components and
// mapped onto HTTP responses by the API handlers.
package emierr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrGatewayUnavailable marks a gateway timeout or non-success response.
// Callers that only quote fall back to a local estimate; money-moving flows
// surface it as retryable.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// ValidationError reports a malformed request or a value outside plan bounds.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ReconciliationConflict reports a callback for an already settled or unknown transaction.
type ReconciliationConflict struct {
	TransactionID string
	Reason        string
}

func (e *ReconciliationConflict) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("reconciliation conflict: tran_id=%s: %s", e.TransactionID, e.Reason)
}

// DataIntegrityError reports broken linkage inside a single unit of work.
type DataIntegrityError struct {
	Entity string
	ID     uint64
	Reason string
}

func (e *DataIntegrityError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("data integrity: %s %d: %s", strings.TrimSpace(e.Entity), e.ID, e.Reason)
}

// Integrity builds a DataIntegrityError.
func Integrity(entity string, id uint64, format string, args ...any) error {
	return &DataIntegrityError{Entity: entity, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict reports whether err wraps a ReconciliationConflict.
func IsConflict(err error) bool {
	var target *ReconciliationConflict
	return errors.As(err, &target)
}

// IsIntegrity reports whether err wraps a DataIntegrityError.
func IsIntegrity(err error) bool {
	var target *DataIntegrityError
	return errors.As(err, &target)
}

// IsGatewayUnavailable reports whether err is a retryable gateway failure.
func IsGatewayUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

// Package errors defines the error taxonomy shared across the storage
// engine: a small closed set of error kinds, each with a constructor and an
// Is* predicate, so callers can branch on what went wrong without string
// matching.
package errors

import (
	"fmt"
)

// ErrorType defines different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "VALIDATION"
	ErrorTypeNotFound       ErrorType = "NOT_FOUND"
	ErrorTypeInternal       ErrorType = "INTERNAL"
	ErrorTypeVersionConflict ErrorType = "VERSION_CONFLICT"
	ErrorTypeConfiguration  ErrorType = "CONFIGURATION"
	ErrorTypeAuditRequirement ErrorType = "AUDIT_REQUIREMENT"
	ErrorTypeBudgetExhausted ErrorType = "BUDGET_EXHAUSTED"
	ErrorTypeBlobNotFound   ErrorType = "BLOB_NOT_FOUND"
)

// AppError is the custom error type for the engine. Details carries
// structured context that doesn't belong in the message string, such as
// DynamoDB transaction cancellation reasons (which item index, which
// condition failed).
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured context to an existing AppError and
// returns it for chaining.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// Constructor functions for each error kind.

func NewValidation(message string) error {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

func NewNotFound(message string) error {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

func NewInternal(message string, err error) error {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// NewVersionConflict reports a rejected optimistic-concurrency write: a
// versioned update submitted from a non-latest version, or a transactional
// conflict that exhausted its retry budget.
func NewVersionConflict(message string) error {
	return &AppError{Type: ErrorTypeVersionConflict, Message: message}
}

// NewConfiguration reports a fatal schema or index misconfiguration
// (unsupported GSI, malformed registry entry).
func NewConfiguration(message string) error {
	return &AppError{Type: ErrorTypeConfiguration, Message: message}
}

// NewAuditRequirement reports that audit_config.changed_by_required was set
// but no changed_by value was resolved; the mutation must not proceed.
func NewAuditRequirement(message string) error {
	return &AppError{Type: ErrorTypeAuditRequirement, Message: message}
}

// NewBudgetExhausted reports that a paginated query hit max_api_calls
// before satisfying results_limit.
func NewBudgetExhausted(message string) error {
	return &AppError{Type: ErrorTypeBudgetExhausted, Message: message}
}

// NewBlobNotFound reports that the object store has no object at the
// computed blob key.
func NewBlobNotFound(message string) error {
	return &AppError{Type: ErrorTypeBlobNotFound, Message: message}
}

// Wrap wraps an error with additional context, preserving AppError type and
// details if the wrapped error already is one.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
			Details: appErr.Details,
		}
	}

	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// Type-checking predicates.

func IsValidation(err error) bool        { return isType(err, ErrorTypeValidation) }
func IsNotFound(err error) bool          { return isType(err, ErrorTypeNotFound) }
func IsInternal(err error) bool          { return isType(err, ErrorTypeInternal) }
func IsVersionConflict(err error) bool   { return isType(err, ErrorTypeVersionConflict) }
func IsConfiguration(err error) bool     { return isType(err, ErrorTypeConfiguration) }
func IsAuditRequirement(err error) bool  { return isType(err, ErrorTypeAuditRequirement) }
func IsBudgetExhausted(err error) bool   { return isType(err, ErrorTypeBudgetExhausted) }
func IsBlobNotFound(err error) bool      { return isType(err, ErrorTypeBlobNotFound) }

func isType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}

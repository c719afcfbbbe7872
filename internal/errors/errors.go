// Package errors provides structured error types for the Perch daemon.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryCollector  ErrorCategory = "COLLECTOR"
	ErrCategoryParse      ErrorCategory = "PARSE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeUnknownTable  = "UNKNOWN_TABLE"
	CodeArityMismatch = "ARITY_MISMATCH"
	CodeInvalidConfig = "INVALID_CONFIG"

	// Store codes
	CodeOpenFailed   = "OPEN_FAILED"
	CodeSchemaFailed = "SCHEMA_FAILED"
	CodeInsertFailed = "INSERT_FAILED"
	CodeQueryFailed  = "QUERY_FAILED"
	CodeStoreClosed  = "STORE_CLOSED"
	CodeStoreBusy    = "STORE_BUSY"

	// Collector codes
	CodeSetupFailed   = "SETUP_FAILED"
	CodeCollectFailed = "COLLECT_FAILED"
	CodeStopTimeout   = "STOP_TIMEOUT"

	// Parse codes
	CodeTranscriptRead = "TRANSCRIPT_READ"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PerchError is the structured error type used throughout the system.
type PerchError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PerchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PerchError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PerchError) Is(target error) bool {
	var t *PerchError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PerchError.
func New(category ErrorCategory, code, message string) *PerchError {
	return &PerchError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PerchError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PerchError {
	return &PerchError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PerchError) WithDetails(details map[string]interface{}) *PerchError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PerchError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PerchError.
func GetCategory(err error) ErrorCategory {
	var pe *PerchError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PerchError.
func GetCode(err error) string {
	var pe *PerchError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. A busy store
// or a transient collect failure resolves itself at the next tick;
// validation errors are programming errors and never retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeStoreBusy:
		return true
	case category == ErrCategoryStore && code == CodeInsertFailed:
		return true
	case category == ErrCategoryCollector && code == CodeCollectFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *PerchError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *PerchError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewCollectorError(code, message string, cause error) *PerchError {
	return Wrap(ErrCategoryCollector, code, message, cause)
}

func NewParseError(code, message string, cause error) *PerchError {
	return Wrap(ErrCategoryParse, code, message, cause)
}

func NewInternalError(message string, cause error) *PerchError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

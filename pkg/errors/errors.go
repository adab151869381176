// Package errors defines the error taxonomy shared by every layer of the
// orchestrator. Handlers map these types to HTTP statuses; the resilience
// layer uses them to decide what counts as a global (network-class) failure.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "VALIDATION"
	ErrorTypeNotFound           ErrorType = "NOT_FOUND"
	ErrorTypeInternal           ErrorType = "INTERNAL"
	ErrorTypeTenantScope        ErrorType = "TENANT_SCOPE_VIOLATION"
	ErrorTypeSecurity           ErrorType = "SECURITY_VIOLATION"
	ErrorTypeCircuitOpen        ErrorType = "CIRCUIT_OPEN"
	ErrorTypeIngestionDegraded  ErrorType = "INGESTION_DEGRADED"
	ErrorTypeIngestRejection    ErrorType = "INGEST_REJECTION"
	ErrorTypeContextBudget      ErrorType = "CONTEXT_BUDGET_EXCEEDED"
	ErrorTypeSanitizationBudget ErrorType = "SANITIZATION_BUDGET_EXCEEDED"
)

// AppError is the custom error type for the application
type AppError struct {
	Type    ErrorType
	Message string
	Err     error

	// RetryAfter is set on degraded-mode errors so the HTTP layer can
	// emit a Retry-After header. Zero means no hint.
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for different error types

// NewValidation creates a validation error
func NewValidation(message string) error {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewValidationf creates a validation error with a formatted message
func NewValidationf(format string, args ...any) error {
	return &AppError{Type: ErrorTypeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// NewTenantScopeViolation creates a tenant scoping error. Raised when a
// data query lacks $tenant_id or when params carry a foreign tenant.
func NewTenantScopeViolation(message string) error {
	return &AppError{Type: ErrorTypeTenantScope, Message: message}
}

// NewSecurityViolation creates an ACL enforcement error.
func NewSecurityViolation(message string) error {
	return &AppError{Type: ErrorTypeSecurity, Message: message}
}

// NewCircuitOpen creates an error signalling a tripped breaker.
func NewCircuitOpen(name string) error {
	return &AppError{Type: ErrorTypeCircuitOpen, Message: fmt.Sprintf("circuit %q is open", name)}
}

// NewIngestionDegraded signals that the AST worker fleet is unavailable.
// retryAfter is surfaced as a Retry-After header on the 503 response.
func NewIngestionDegraded(message string, retryAfter time.Duration, err error) error {
	return &AppError{
		Type:       ErrorTypeIngestionDegraded,
		Message:    message,
		Err:        err,
		RetryAfter: retryAfter,
	}
}

// NewIngestRejection rejects an ingestion input outright (empty tenant,
// oversized payload, path traversal).
func NewIngestRejection(message string) error {
	return &AppError{Type: ErrorTypeIngestRejection, Message: message}
}

// NewContextBudgetExceeded signals that a prompt block cannot fit the
// token ceiling even after truncation.
func NewContextBudgetExceeded(tokens, budget int) error {
	return &AppError{
		Type:    ErrorTypeContextBudget,
		Message: fmt.Sprintf("rendered context is %d tokens, budget is %d", tokens, budget),
	}
}

// NewSanitizationBudgetExceeded signals an input above the sanitizer byte cap.
func NewSanitizationBudgetExceeded(size, limit int) error {
	return &AppError{
		Type:    ErrorTypeSanitizationBudget,
		Message: fmt.Sprintf("input is %d bytes, sanitizer cap is %d", size, limit),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the type
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:       appErr.Type,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:        appErr.Err,
			RetryAfter: appErr.RetryAfter,
		}
	}

	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

func isType(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}

// Type checking functions

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool { return isType(err, ErrorTypeInternal) }

// IsTenantScopeViolation checks for tenant scoping errors.
func IsTenantScopeViolation(err error) bool { return isType(err, ErrorTypeTenantScope) }

// IsSecurityViolation checks for ACL enforcement errors.
func IsSecurityViolation(err error) bool { return isType(err, ErrorTypeSecurity) }

// IsCircuitOpen checks for tripped-breaker errors.
func IsCircuitOpen(err error) bool { return isType(err, ErrorTypeCircuitOpen) }

// IsIngestionDegraded checks for degraded AST fleet errors.
func IsIngestionDegraded(err error) bool { return isType(err, ErrorTypeIngestionDegraded) }

// IsIngestRejection checks for rejected ingestion inputs.
func IsIngestRejection(err error) bool { return isType(err, ErrorTypeIngestRejection) }

// IsContextBudgetExceeded checks for prompt budget overflows.
func IsContextBudgetExceeded(err error) bool { return isType(err, ErrorTypeContextBudget) }

// IsSanitizationBudgetExceeded checks for sanitizer byte-cap overflows.
func IsSanitizationBudgetExceeded(err error) bool { return isType(err, ErrorTypeSanitizationBudget) }

// RetryAfter extracts the retry hint from a degraded-mode error, or zero.
func RetryAfter(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

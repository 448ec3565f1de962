// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Lookup and input errors.
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEntry = errors.New("duplicate entry")
	ErrInvalidInput   = errors.New("invalid input")

	// Extraction errors.
	ErrExtraction        = errors.New("extraction failed")
	ErrUnsupportedSystem = errors.New("unsupported system type")
	ErrPlaidRateLimit    = errors.New("plaid rate limit exceeded")

	// Workflow errors.
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("concurrent modification")
	ErrRunCancelled      = errors.New("run cancelled")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")

	// Remote call errors.
	ErrRateLimit  = errors.New("rate limit exceeded")
	ErrMaxRetries = errors.New("max retries exceeded")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// Is implements errors.Is support.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError reports malformed input or configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return "invalid input: " + e.Message
}

// Is implements errors.Is support.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ExtractionError wraps an adapter failure with the side and system it came from.
type ExtractionError struct {
	Err    error
	Side   string
	System string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s extraction from %s failed: %v", e.Side, e.System, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support.
func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtraction
}

// UnsupportedSystemError reports a system type with no registered adapter.
type UnsupportedSystemError struct {
	Type   string
	System string
}

func (e *UnsupportedSystemError) Error() string {
	return fmt.Sprintf("system %s: unsupported system type %s", e.System, e.Type)
}

// Is implements errors.Is support.
func (e *UnsupportedSystemError) Is(target error) bool {
	return target == ErrUnsupportedSystem
}

// InvalidTransitionError reports an action attempted from the wrong state.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s %s (status %s)", e.Entity, e.ID, e.Reason, e.From)
	}
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// Is implements errors.Is support.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// AuthorizationError reports a role or separation-of-duties violation.
type AuthorizationError struct {
	Actor   string
	Action  string
	Message string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s may not %s: %s", e.Actor, e.Action, e.Message)
}

// Is implements errors.Is support.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// ConflictError reports a lost optimistic update.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently; reload and retry", e.Resource, e.ID)
}

// Is implements errors.Is support.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RetryableError marks a remote failure as worth another attempt or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrPlaidRateLimit) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}

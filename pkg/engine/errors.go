package engine

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned from step boundaries once an execution has been
// cancelled.
var ErrCancelled = errors.New("workflow execution cancelled")

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates the resource is not in the state the caller
	// expected. Callers treat it as a no-op rejection.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassConfiguration indicates a missing identifier or unresolvable
	// stage. Never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassTimeout indicates a bounded wait ran out.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassPermanent indicates any other non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	switch {
	case e.Resource != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err).WithCode(ErrCodeRateLimited)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err).WithCode(ErrCodeConflict)
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, message, err).WithCode(ErrCodeValidation)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassTimeout, message, err).WithCode(ErrCodeTimeout)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err. Unclassified errors are permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConflict
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConfiguration
}

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTimeout
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Only transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeUnsupported      = "UNSUPPORTED_OPERATION"
	ErrCodeInvalidToken     = "INVALID_TOKEN"
	ErrCodeBranchFailed     = "BRANCH_FAILED"
	ErrCodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
)

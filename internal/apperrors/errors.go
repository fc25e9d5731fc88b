// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	ErrConfiguration             = errors.New("configuration error")
	ErrAuthenticationFailed      = errors.New("authentication failed")
	ErrAuthorizationFailed       = errors.New("authorization failed")
	ErrNoBackendAvailable        = errors.New("no backend available")
	ErrBackendCircuitOpen        = errors.New("backend circuit open")
	ErrTransientFailureExhausted = errors.New("transient failure exhausted")
	ErrSubmissionRejected        = errors.New("submission rejected")
	ErrPolling                   = errors.New("polling error")
	ErrExecutionFailed           = errors.New("execution failed")
)

// Kind names reported to API consumers and stored in job records.
const (
	KindValidation                = "Validation"
	KindNotFound                  = "NotFound"
	KindConflict                  = "Conflict"
	KindInternal                  = "Internal"
	KindConfiguration             = "ConfigurationError"
	KindAuthenticationFailed      = "AuthenticationFailed"
	KindAuthorizationFailed       = "AuthorizationFailed"
	KindNoBackendAvailable        = "NoBackendAvailable"
	KindBackendCircuitOpen        = "BackendCircuitOpen"
	KindTransientFailureExhausted = "TransientFailureExhausted"
	KindSubmissionRejected        = "SubmissionRejected"
	KindPollingError              = "PollingError"
	KindExecutionFailed           = "ExecutionFailed"
	KindCancellationRaceLost      = "CancellationRaceLost"
)

var kinds = []struct {
	sentinel error
	name     string
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
	{ErrConfiguration, KindConfiguration},
	{ErrAuthenticationFailed, KindAuthenticationFailed},
	{ErrAuthorizationFailed, KindAuthorizationFailed},
	{ErrNoBackendAvailable, KindNoBackendAvailable},
	{ErrBackendCircuitOpen, KindBackendCircuitOpen},
	{ErrTransientFailureExhausted, KindTransientFailureExhausted},
	{ErrSubmissionRejected, KindSubmissionRejected},
	{ErrPolling, KindPollingError},
	{ErrExecutionFailed, KindExecutionFailed},
	{ErrInternal, KindInternal},
}

// Error provides structured error with context.
// Messages and causes must already be free of credential material.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "payload")
	Resource string // For not found/conflict (e.g., "job")
	Backend  string // Backend the failure relates to, if any
	Op       string // Operation that failed (e.g., "cloud.submit")
	Hint     string // Operator hint for recoverable configuration problems
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause so errors.Is and errors.As see both.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Kind returns the canonical kind name of err, or KindInternal.
// The outermost *Error decides, so a wrapped cause never masks its wrapper.
func Kind(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		for _, k := range kinds {
			if appErr.Sentinel == k.sentinel {
				return k.name
			}
		}
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.name
		}
	}
	return KindInternal
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Configuration reports missing or invalid configuration. Never retried.
func Configuration(field, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
		Field:    field,
	}
}

// AuthenticationFailed reports that every auth strategy failed.
// cause aggregates the per-strategy failures.
func AuthenticationFailed(cause error) error {
	return &Error{
		Sentinel: ErrAuthenticationFailed,
		Message:  fmt.Sprintf("all authentication strategies failed: %v", cause),
		Op:       "auth.authenticate",
		Cause:    cause,
	}
}

// AuthorizationFailed reports that a valid session was refused by a resource.
func AuthorizationFailed(op, backend, hint string, cause error) error {
	msg := fmt.Sprintf("%s: authorization failed", op)
	if cause != nil {
		msg = fmt.Sprintf("%s: authorization failed: %v", op, cause)
	}
	return &Error{
		Sentinel: ErrAuthorizationFailed,
		Message:  msg,
		Backend:  backend,
		Op:       op,
		Hint:     hint,
		Cause:    cause,
	}
}

// NoBackendAvailable reports that no operational backend could be chosen.
func NoBackendAvailable(message string) error {
	return &Error{
		Sentinel: ErrNoBackendAvailable,
		Message:  message,
	}
}

// BackendCircuitOpen reports a fast-failed call against a degraded backend.
func BackendCircuitOpen(backend string) error {
	return &Error{
		Sentinel: ErrBackendCircuitOpen,
		Message:  fmt.Sprintf("backend %s is failing, circuit open", backend),
		Backend:  backend,
	}
}

// TransientFailureExhausted reports that retries of a transient failure ran out.
func TransientFailureExhausted(op, backend string, attempts int, cause error) error {
	return &Error{
		Sentinel: ErrTransientFailureExhausted,
		Message:  fmt.Sprintf("%s: gave up after %d attempts: %v", op, attempts, cause),
		Backend:  backend,
		Op:       op,
		Cause:    cause,
	}
}

// SubmissionRejected reports a provider-side refusal of a job payload.
func SubmissionRejected(backend string, cause error) error {
	return &Error{
		Sentinel: ErrSubmissionRejected,
		Message:  fmt.Sprintf("backend %s rejected submission: %v", backend, cause),
		Backend:  backend,
		Op:       "cloud.submit",
		Cause:    cause,
	}
}

// Polling reports a failed status poll. Non-fatal.
func Polling(backend string, cause error) error {
	return &Error{
		Sentinel: ErrPolling,
		Message:  fmt.Sprintf("status poll on %s failed: %v", backend, cause),
		Backend:  backend,
		Op:       "cloud.status",
		Cause:    cause,
	}
}

// ExecutionFailed reports a job the provider resolved as failed.
func ExecutionFailed(backend, providerStatus, detail string) error {
	msg := fmt.Sprintf("backend %s reported %s", backend, providerStatus)
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{
		Sentinel: ErrExecutionFailed,
		Message:  msg,
		Backend:  backend,
	}
}

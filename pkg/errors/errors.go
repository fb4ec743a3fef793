package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeConfiguration     ErrorType = "configuration"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeAdmissionDenied   ErrorType = "admission_denied"
	ErrorTypeCircuitOpen       ErrorType = "circuit_open"
	ErrorTypeNoHealthyTarget   ErrorType = "no_healthy_target"
	ErrorTypeRequestExecution  ErrorType = "request_execution"
	ErrorTypeFallbackExhausted ErrorType = "fallback_exhausted"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeExternal          ErrorType = "external"
	ErrorTypeInternal          ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`

	// StatusCode carries an HTTP status from a failed provider call,
	// zero when the failure had no HTTP response.
	StatusCode int `json:"status_code,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithStatusCode records the HTTP status returned by the provider
func (e *AppError) WithStatusCode(status int) *AppError {
	e.StatusCode = status
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Common error constructors

func NewConfigurationError(message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, "CONFIGURATION_ERROR", message)
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewAdmissionDeniedError(service, reason string) *AppError {
	return NewAppError(ErrorTypeAdmissionDenied, "ADMISSION_DENIED", reason).
		WithDetail("service", service)
}

func NewCircuitOpenError(nodeID string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker open for node %s", nodeID)).
		WithDetail("node_id", nodeID)
}

func NewNoHealthyTargetError(service string) *AppError {
	return NewAppError(ErrorTypeNoHealthyTarget, "NO_HEALTHY_TARGET",
		fmt.Sprintf("no healthy or degraded target for service %s", service)).
		WithDetail("service", service)
}

func NewRequestExecutionError(service, message string) *AppError {
	return NewAppError(ErrorTypeRequestExecution, "REQUEST_EXECUTION_ERROR", message).
		WithDetail("service", service)
}

func NewFallbackExhaustedError(service, message string) *AppError {
	return NewAppError(ErrorTypeFallbackExhausted, "FALLBACK_EXHAUSTED", message).
		WithDetail("service", service)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// IsNotFound checks if the error is a not-found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the provider HTTP status carried by the error, or zero
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return 0
}

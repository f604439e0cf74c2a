// Package errors provides a unified error handling mechanism for OpenRLE.
// It defines a structured error system with error codes, types, and helpful
// formatting capabilities to standardize error handling across the engine.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeConfiguration indicates an invalid or missing setup value;
	// always fatal at setup time
	ErrorTypeConfiguration ErrorType = "CONFIGURATION"

	// ErrorTypeNotFound indicates a resource (checkpoint, experiment) not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeConflict indicates an ambiguous resource match
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeLossAnomaly indicates a loss produced a non-numeric result;
	// recovered locally, never fatal
	ErrorTypeLossAnomaly ErrorType = "LOSS_ANOMALY"

	// ErrorTypeTeardown indicates a resource failed to close; recovered,
	// aggregated into the teardown report
	ErrorTypeTeardown ErrorType = "TEARDOWN"

	// ErrorTypeInfrastructure indicates a worker pool or queue failure
	ErrorTypeInfrastructure ErrorType = "INFRASTRUCTURE"

	// ErrorTypeInternal indicates an unexpected internal error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeTimeout indicates an operation (lock acquisition, join) timeout
	ErrorTypeTimeout ErrorType = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	// Code is the error code (e.g., "ENGINE_001")
	Code string `json:"code"`

	// Type categorizes the error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// HTTPStatus is the corresponding status for the monitor endpoint
	HTTPStatus int `json:"-"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`

	// Stack contains the stack trace (for internal errors)
	Stack string `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds additional context to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// IsFatal reports whether the error must terminate the run. Loss anomalies
// and teardown failures are recovered in place; everything else surfaces.
func (e *AppError) IsFatal() bool {
	switch e.Type {
	case ErrorTypeLossAnomaly, ErrorTypeTeardown:
		return false
	default:
		return true
	}
}

// ToJSON serializes the error to JSON for the monitor endpoint
func (e *AppError) ToJSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// New creates a new AppError
func New(code string, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
		Details:    make(map[string]interface{}),
	}
}

// Newf creates a new AppError with formatted message
func Newf(code string, errType ErrorType, httpStatus int, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       code,
		Type:       errType,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: httpStatus,
		Details:    make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, code string, message string) *AppError {
	if err == nil {
		return nil
	}

	// If already an AppError, add context
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:       code,
			Type:       appErr.Type,
			Message:    message,
			HTTPStatus: appErr.HTTPStatus,
			Cause:      appErr,
			Details:    make(map[string]interface{}),
		}
	}

	return &AppError{
		Code:       code,
		Type:       ErrorTypeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Cause:      err,
		Details:    make(map[string]interface{}),
	}
}

// WrapWithStack wraps an error and captures stack trace
func WrapWithStack(err error, code string, message string) *AppError {
	appErr := Wrap(err, code, message)
	if appErr != nil {
		appErr.Stack = captureStack()
	}
	return appErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// Is checks if an error matches a specific code
func Is(err error, code string) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Code == code
}

// IsType checks if an error matches a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return "UNKNOWN"
	}

	return appErr.Code
}

// Common error constructors for frequent use cases

// ConfigurationError creates a fatal configuration error
func ConfigurationError(message string) *AppError {
	return New("CONFIGURATION_ERROR", ErrorTypeConfiguration, message, http.StatusBadRequest)
}

// ConfigurationErrorf creates a fatal configuration error with formatted message
func ConfigurationErrorf(format string, args ...interface{}) *AppError {
	return Newf("CONFIGURATION_ERROR", ErrorTypeConfiguration, http.StatusBadRequest, format, args...)
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *AppError {
	return Newf("NOT_FOUND", ErrorTypeNotFound, http.StatusNotFound, "%s not found", resource)
}

// ConflictError creates a conflict error
func ConflictError(message string) *AppError {
	return New("CONFLICT", ErrorTypeConflict, message, http.StatusConflict)
}

// InternalError creates an internal error
func InternalError(message string) *AppError {
	appErr := New("INTERNAL_ERROR", ErrorTypeInternal, message, http.StatusInternalServerError)
	appErr.Stack = captureStack()
	return appErr
}

// InternalErrorf creates an internal error with formatted message
func InternalErrorf(format string, args ...interface{}) *AppError {
	appErr := Newf("INTERNAL_ERROR", ErrorTypeInternal, http.StatusInternalServerError, format, args...)
	appErr.Stack = captureStack()
	return appErr
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) *AppError {
	return Newf("TIMEOUT", ErrorTypeTimeout, http.StatusRequestTimeout, "Operation '%s' timed out", operation)
}

// LossAnomalyError creates a recoverable loss-anomaly error
func LossAnomalyError(lossName string, value float64) *AppError {
	return Newf("LOSS_ANOMALY", ErrorTypeLossAnomaly, http.StatusOK,
		"Loss '%s' produced a non-numeric result (%v); skipping update", lossName, value)
}

// TeardownError wraps a resource-close failure for the teardown report
func TeardownError(resource string, err error) *AppError {
	return New("TEARDOWN_ERROR", ErrorTypeTeardown,
		fmt.Sprintf("Failed to close resource '%s'", resource),
		http.StatusInternalServerError).WithCause(err)
}

// InfrastructureError creates an infrastructure error
func InfrastructureError(service string, err error) *AppError {
	return Wrap(err, "INFRASTRUCTURE_ERROR", fmt.Sprintf("Infrastructure component '%s' error", service))
}

//Personal.AI order the ending

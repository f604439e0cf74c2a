// Package errors defines error code constants for OpenRLE.
// Each error code includes a unique identifier, HTTP status code,
// and message template for consistent error handling across the engine.
package errors

import "net/http"

// ErrorCode represents a structured error code definition
type ErrorCode struct {
	Code       string
	Type       ErrorType
	HTTPStatus int
	Message    string
}

// Standard error codes organized by category

// ============================================================================
// Configuration Errors (CONFIG_xxx)
// ============================================================================

var (
	// ErrConfigMissingStageValue indicates a stage hyperparameter absent at
	// every configuration layer
	ErrConfigMissingStageValue = ErrorCode{
		Code:       "CONFIG_001",
		Type:       ErrorTypeConfiguration,
		HTTPStatus: http.StatusBadRequest,
		Message:    "Required stage hyperparameter missing at all configuration layers",
	}

	// ErrConfigUnsupportedMode indicates an unsupported mode string
	ErrConfigUnsupportedMode = ErrorCode{
		Code:       "CONFIG_002",
		Type:       ErrorTypeConfiguration,
		HTTPStatus: http.StatusBadRequest,
		Message:    "Unsupported mode, must be one of train, valid, test",
	}

	// ErrConfigInvalidProcessCount indicates a non-positive process count
	ErrConfigInvalidProcessCount = ErrorCode{
		Code:       "CONFIG_003",
		Type:       ErrorTypeConfiguration,
		HTTPStatus: http.StatusBadRequest,
		Message:    "Process count must be a positive integer",
	}

	// ErrConfigUnknownLoss indicates a stage referenced an undefined loss name
	ErrConfigUnknownLoss = ErrorCode{
		Code:       "CONFIG_004",
		Type:       ErrorTypeConfiguration,
		HTTPStatus: http.StatusBadRequest,
		Message:    "Stage references an undefined loss name",
	}
)

// ============================================================================
// Checkpoint Errors (CKPT_xxx)
// ============================================================================

var (
	// ErrCheckpointNotFound indicates no checkpoint file matched
	ErrCheckpointNotFound = ErrorCode{
		Code:       "CKPT_001",
		Type:       ErrorTypeNotFound,
		HTTPStatus: http.StatusNotFound,
		Message:    "Checkpoint file not found",
	}

	// ErrCheckpointAmbiguous indicates multiple checkpoint files matched
	ErrCheckpointAmbiguous = ErrorCode{
		Code:       "CKPT_002",
		Type:       ErrorTypeConflict,
		HTTPStatus: http.StatusConflict,
		Message:    "Multiple checkpoint files matched the requested name",
	}

	// ErrCheckpointCorrupt indicates a checkpoint could not be decoded
	ErrCheckpointCorrupt = ErrorCode{
		Code:       "CKPT_003",
		Type:       ErrorTypeInternal,
		HTTPStatus: http.StatusInternalServerError,
		Message:    "Checkpoint file could not be decoded",
	}
)

// ============================================================================
// Run Identity Errors (RUNID_xxx)
// ============================================================================

var (
	// ErrRunIdentityLockTimeout indicates the start-time lock was held too long
	ErrRunIdentityLockTimeout = ErrorCode{
		Code:       "RUNID_001",
		Type:       ErrorTypeTimeout,
		HTTPStatus: http.StatusRequestTimeout,
		Message:    "Could not acquire the run start-time lock within 60 seconds",
	}
)

// ============================================================================
// Worker Pool Errors (TASKS_xxx)
// ============================================================================

var (
	// ErrTasksClosed indicates an operation on a closed worker pool
	ErrTasksClosed = ErrorCode{
		Code:       "TASKS_001",
		Type:       ErrorTypeInfrastructure,
		HTTPStatus: http.StatusInternalServerError,
		Message:    "Worker pool is closed",
	}

	// ErrTasksActionCount indicates an action batch not matching active workers
	ErrTasksActionCount = ErrorCode{
		Code:       "TASKS_002",
		Type:       ErrorTypeInfrastructure,
		HTTPStatus: http.StatusInternalServerError,
		Message:    "Action batch size does not match the number of active workers",
	}
)

// NewFromCode creates an AppError from an ErrorCode definition
func NewFromCode(ec ErrorCode) *AppError {
	return New(ec.Code, ec.Type, ec.Message, ec.HTTPStatus)
}

// WrapWithCode wraps an error using an ErrorCode definition
func WrapWithCode(err error, ec ErrorCode) *AppError {
	return NewFromCode(ec).WithCause(err)
}

//Personal.AI order the ending

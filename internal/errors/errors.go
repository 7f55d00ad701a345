package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// Per-item pipeline errors. The orchestrator records these on the
	// failing row and keeps going.
	ErrorTypeMalformedInput  ErrorType = "malformed_input"
	ErrorTypeTransform       ErrorType = "transform"
	ErrorTypeCacheCorruption ErrorType = "cache_corruption"
	ErrorTypePrediction      ErrorType = "prediction"
	ErrorTypeCancelled       ErrorType = "cancelled"

	// Systemic pipeline errors. These abort a run before any item is processed.
	ErrorTypeInvalidConfig ErrorType = "invalid_config"
	ErrorTypeUnfittedModel ErrorType = "unfitted_model"

	// Service errors
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails returns a copy of the error carrying details.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func newError(t ErrorType, status int, message string, cause error) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: status,
		Cause:      cause,
	}
}

// NewMalformedInputError reports an image whose shape or dtype cannot be
// processed by the first step of a pipeline.
func NewMalformedInputError(message string, cause error) *AppError {
	return newError(ErrorTypeMalformedInput, http.StatusUnprocessableEntity, message, cause)
}

// NewTransformError reports a pipeline step that failed on valid input.
func NewTransformError(message string, cause error) *AppError {
	return newError(ErrorTypeTransform, http.StatusUnprocessableEntity, message, cause)
}

// NewCacheCorruptionError reports a persisted cache record that could not be
// decoded or carries a foreign version tag.
func NewCacheCorruptionError(message string, cause error) *AppError {
	return newError(ErrorTypeCacheCorruption, http.StatusInternalServerError, message, cause)
}

// NewPredictionError reports a model failure on a single item.
func NewPredictionError(message string, cause error) *AppError {
	return newError(ErrorTypePrediction, http.StatusUnprocessableEntity, message, cause)
}

// NewCancelledError marks work that never ran because the run was cancelled.
func NewCancelledError(message string, cause error) *AppError {
	return newError(ErrorTypeCancelled, http.StatusServiceUnavailable, message, cause)
}

// NewInvalidConfigError reports an unknown step or an out-of-domain parameter.
func NewInvalidConfigError(message string, cause error) *AppError {
	return newError(ErrorTypeInvalidConfig, http.StatusBadRequest, message, cause)
}

// NewUnfittedModelError reports a prediction requested before training.
func NewUnfittedModelError(message string, cause error) *AppError {
	return newError(ErrorTypeUnfittedModel, http.StatusConflict, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, message, cause)
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return newError(ErrorTypeNetwork, http.StatusBadGateway, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *AppError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, message, cause)
}

// IsType checks if the error tree contains an AppError of a specific type.
// Both Cause chains and joined errors are searched.
func IsType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	if appErr, ok := err.(*AppError); ok && appErr.Type == errorType {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return IsType(u.Unwrap(), errorType)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if IsType(e, errorType) {
				return true
			}
		}
	}
	return false
}

// TypeOf returns the type of the outermost AppError in the chain, or
// ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// MessageOf returns err's text without the type prefix when err is an
// AppError, keeping the cause. Other errors are returned as is.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	appErr, ok := err.(*AppError)
	if !ok {
		return err.Error()
	}
	if appErr.Cause != nil {
		return fmt.Sprintf("%s: %v", appErr.Message, appErr.Cause)
	}
	return appErr.Message
}

// IsSystemic reports whether err must abort a whole run rather than a
// single item.
func IsSystemic(err error) bool {
	t := TypeOf(err)
	return t == ErrorTypeInvalidConfig || t == ErrorTypeUnfittedModel
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/upb/llm-orchestrator/services/inference"
	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/services/routing"
	"github.com/upb/llm-orchestrator/utils"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeCanceled     ErrorType = "canceled"
	ErrorTypeUnavailable  ErrorType = "unavailable"
)

// StatusClientClosedRequest is the non-standard status reported for
// requests cancelled before they completed
const StatusClientClosedRequest = 499

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// StatusCode returns the HTTP status for the error type
func (e *DomainError) StatusCode() int {
	switch e.Type {
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case ErrorTypeForbidden:
		return http.StatusForbidden
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeExternal:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeCanceled:
		return StatusClientClosedRequest
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	ErrRequestNotFound = NewDomainError(ErrorTypeNotFound, "request not found", nil)
	ErrSessionNotFound = NewDomainError(ErrorTypeNotFound, "session not found", nil)

	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidModel = NewDomainError(ErrorTypeValidation, "invalid model specified", nil)

	ErrUnauthorized  = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken  = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired  = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)
	ErrForbidden     = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrAdminRequired = NewDomainError(ErrorTypeForbidden, "admin role required", nil)

	ErrTooManyRequests = NewDomainError(ErrorTypeRateLimit, "too many concurrent requests", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)

	ErrProviderError     = NewDomainError(ErrorTypeExternal, "LLM provider error", nil)
	ErrProviderTimeout   = NewDomainError(ErrorTypeTimeout, "LLM provider timeout", nil)
	ErrRequestCanceled   = NewDomainError(ErrorTypeCanceled, "request cancelled", nil)
	ErrServiceShutdown   = NewDomainError(ErrorTypeUnavailable, "service shutting down", nil)
	ErrSessionsDisabled  = NewDomainError(ErrorTypeUnavailable, "session storage not configured", nil)
	ErrAdminAuthDisabled = NewDomainError(ErrorTypeUnavailable, "admin authentication not configured", nil)
)

// Classify converts an error returned by the inference engine into a
// DomainError. Errors that already are domain errors are returned as is.
func Classify(err error) *DomainError {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	switch {
	case errors.Is(err, inference.ErrInvalidRequest), utils.IsValidationError(err):
		return NewDomainError(ErrorTypeValidation, "invalid request", err).
			WithDetail("fields", utils.GetValidationFields(err))
	case errors.Is(err, providers.ErrModelNotSupported):
		return NewDomainError(ErrorTypeValidation, "model not supported", err)
	case errors.Is(err, providers.ErrProviderNotFound):
		return NewDomainError(ErrorTypeValidation, "provider not registered", err)
	case errors.Is(err, inference.ErrTooManyRequests):
		return NewDomainError(ErrorTypeRateLimit, "too many concurrent requests", err)
	case errors.Is(err, inference.ErrEngineClosed):
		return NewDomainError(ErrorTypeUnavailable, "service shutting down", err)
	case errors.Is(err, routing.ErrCanceled), errors.Is(err, context.Canceled):
		return NewDomainError(ErrorTypeCanceled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewDomainError(ErrorTypeTimeout, "request timed out", err)
	}

	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		return classifyProviderError(provErr)
	}

	return NewDomainError(ErrorTypeInternal, "internal server error", err)
}

func classifyProviderError(err *providers.ProviderError) *DomainError {
	var d *DomainError
	switch err.Code {
	case providers.ErrCodeTimeout:
		d = NewDomainError(ErrorTypeTimeout, "LLM provider timeout", err)
	case providers.ErrCodeRateLimitExceeded, providers.ErrCodeQuotaExceeded:
		d = NewDomainError(ErrorTypeRateLimit, "LLM provider rate limit", err)
	case providers.ErrCodeInvalidRequest,
		providers.ErrCodeInvalidParameters,
		providers.ErrCodeContextLengthExceeded,
		providers.ErrCodeModelNotFound,
		providers.ErrCodeContentFilter,
		providers.ErrCodeSafetyFilter:
		d = NewDomainError(ErrorTypeValidation, "request rejected by LLM provider", err)
	default:
		// authentication failures are the operator's problem, not the caller's
		d = NewDomainError(ErrorTypeExternal, "LLM provider error", err)
	}
	return d.WithDetail("provider", err.Provider).WithDetail("code", string(err.Code))
}

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeExternal
}

// IsCanceledError checks if an error is a cancellation
func IsCanceledError(err error) bool {
	return GetErrorType(err) == ErrorTypeCanceled
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

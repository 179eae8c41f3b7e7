package providers

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrorCode classifies provider failures
type ErrorCode string

const (
	ErrCodeInvalidAPIKey         ErrorCode = "invalid_api_key"
	ErrCodeAuthenticationFailed  ErrorCode = "authentication_failed"
	ErrCodeRateLimitExceeded     ErrorCode = "rate_limit_exceeded"
	ErrCodeQuotaExceeded         ErrorCode = "quota_exceeded"
	ErrCodeInvalidRequest        ErrorCode = "invalid_request"
	ErrCodeModelNotFound         ErrorCode = "model_not_found"
	ErrCodeContextLengthExceeded ErrorCode = "context_length_exceeded"
	ErrCodeInvalidParameters     ErrorCode = "invalid_parameters"
	ErrCodeServerError           ErrorCode = "server_error"
	ErrCodeServiceUnavailable    ErrorCode = "service_unavailable"
	ErrCodeTimeout               ErrorCode = "timeout"
	ErrCodeNetworkError          ErrorCode = "network_error"
	ErrCodeConnectionFailed      ErrorCode = "connection_failed"
	ErrCodeContentFilter         ErrorCode = "content_filter"
	ErrCodeSafetyFilter          ErrorCode = "safety_filter"
	ErrCodeUnknown               ErrorCode = "unknown"
)

// Retryable reports whether failures with this code may be retried
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeRateLimitExceeded,
		ErrCodeServerError,
		ErrCodeServiceUnavailable,
		ErrCodeTimeout,
		ErrCodeNetworkError,
		ErrCodeConnectionFailed:
		return true
	default:
		return false
	}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the taxonomy code
	Code ErrorCode

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error. Retryability follows the code.
func NewProviderError(provider string, code ErrorCode, message string, statusCode int, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  code.Retryable(),
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// CodeOf returns the taxonomy code carried by err, or ErrCodeUnknown
func CodeOf(err error) ErrorCode {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Code
	}
	return ErrCodeUnknown
}

// ClassifyStatus maps an HTTP status code from a vendor API onto the taxonomy.
// quota distinguishes a billing quota 429 from a transient rate limit.
func ClassifyStatus(status int, quota bool) ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return ErrCodeAuthenticationFailed
	case status == http.StatusForbidden:
		return ErrCodeInvalidAPIKey
	case status == http.StatusNotFound:
		return ErrCodeModelNotFound
	case status == http.StatusRequestEntityTooLarge:
		return ErrCodeContextLengthExceeded
	case status == http.StatusUnprocessableEntity:
		return ErrCodeInvalidParameters
	case status == http.StatusTooManyRequests:
		if quota {
			return ErrCodeQuotaExceeded
		}
		return ErrCodeRateLimitExceeded
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case status == http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case status >= 500:
		return ErrCodeServerError
	case status >= 400:
		return ErrCodeInvalidRequest
	default:
		return ErrCodeUnknown
	}
}

// FromTransportError classifies an error returned while talking to a provider.
// Only failures of the connection itself are network errors. Anything else
// (request encoding, client side validation) is unknown and not retried.
func FromTransportError(provider string, err error) *ProviderError {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(provider, ErrCodeTimeout, "request timed out", 0, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewProviderError(provider, ErrCodeTimeout, "network timeout", 0, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return NewProviderError(provider, ErrCodeConnectionFailed, "connection failed", 0, err)
	}

	if isConnectionFailure(err) {
		return NewProviderError(provider, ErrCodeNetworkError, "network error", 0, err)
	}

	return NewProviderError(provider, ErrCodeUnknown, err.Error(), 0, err)
}

func isConnectionFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

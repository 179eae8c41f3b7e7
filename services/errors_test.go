package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-orchestrator/services/inference"
	"github.com/upb/llm-orchestrator/services/providers"
	"github.com/upb/llm-orchestrator/services/routing"
	"github.com/upb/llm-orchestrator/utils"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeNotFound,
				Message: "session not found",
				Err:     errors.New("db error"),
			},
			wantMsg: "not_found: session not found (db error)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeValidation,
				Message: "invalid input",
			},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeInternal, "internal error", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(domainErr))
}

func TestDomainError_Is(t *testing.T) {
	err := NewDomainError(ErrorTypeRateLimit, "slow down", nil)

	assert.True(t, errors.Is(err, ErrTooManyRequests))
	assert.False(t, errors.Is(err, ErrInternal))
	assert.False(t, errors.Is(err, errors.New("other")))

	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, errors.Is(wrapped, ErrTooManyRequests))
}

func TestDomainError_WithDetail(t *testing.T) {
	err := NewDomainError(ErrorTypeValidation, "bad", nil).
		WithDetail("field", "model").
		WithDetail("max", 10)

	assert.Equal(t, "model", err.Details["field"])
	assert.Equal(t, 10, err.Details["max"])

	bare := &DomainError{Type: ErrorTypeInternal}
	bare.WithDetail("k", "v")
	assert.Equal(t, "v", bare.Details["k"])
}

func TestDomainError_StatusCode(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    int
	}{
		{ErrorTypeNotFound, http.StatusNotFound},
		{ErrorTypeValidation, http.StatusBadRequest},
		{ErrorTypeUnauthorized, http.StatusUnauthorized},
		{ErrorTypeForbidden, http.StatusForbidden},
		{ErrorTypeRateLimit, http.StatusTooManyRequests},
		{ErrorTypeConflict, http.StatusConflict},
		{ErrorTypeInternal, http.StatusInternalServerError},
		{ErrorTypeExternal, http.StatusBadGateway},
		{ErrorTypeTimeout, http.StatusGatewayTimeout},
		{ErrorTypeCanceled, StatusClientClosedRequest},
		{ErrorTypeUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.want, NewDomainError(tt.errType, "x", nil).StatusCode())
		})
	}
}

func TestClassify(t *testing.T) {
	providerErr := func(code providers.ErrorCode) error {
		return fmt.Errorf("dispatch: %w", providers.NewProviderError("openai", code, "failed", 0, nil))
	}

	tests := []struct {
		name   string
		err    error
		want   ErrorType
		status int
	}{
		{"invalid request", fmt.Errorf("%w: no messages", inference.ErrInvalidRequest), ErrorTypeValidation, 400},
		{"validation error", &utils.ValidationError{Message: "Validation failed"}, ErrorTypeValidation, 400},
		{"unknown model", fmt.Errorf("%w: gpt-9", providers.ErrModelNotSupported), ErrorTypeValidation, 400},
		{"unknown provider", providers.ErrProviderNotFound, ErrorTypeValidation, 400},
		{"too many requests", inference.ErrTooManyRequests, ErrorTypeRateLimit, 429},
		{"engine closed", inference.ErrEngineClosed, ErrorTypeUnavailable, 503},
		{"cancelled", routing.ErrCanceled, ErrorTypeCanceled, StatusClientClosedRequest},
		{"context cancelled", context.Canceled, ErrorTypeCanceled, StatusClientClosedRequest},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout, 504},
		{"provider timeout", providerErr(providers.ErrCodeTimeout), ErrorTypeTimeout, 504},
		{"provider rate limit", providerErr(providers.ErrCodeRateLimitExceeded), ErrorTypeRateLimit, 429},
		{"provider quota", providerErr(providers.ErrCodeQuotaExceeded), ErrorTypeRateLimit, 429},
		{"provider bad params", providerErr(providers.ErrCodeInvalidParameters), ErrorTypeValidation, 400},
		{"provider context length", providerErr(providers.ErrCodeContextLengthExceeded), ErrorTypeValidation, 400},
		{"provider auth", providerErr(providers.ErrCodeAuthenticationFailed), ErrorTypeExternal, 502},
		{"provider unavailable", providerErr(providers.ErrCodeServiceUnavailable), ErrorTypeExternal, 502},
		{"unknown", errors.New("boom"), ErrorTypeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, tt.status, got.StatusCode())
			assert.Error(t, errors.Unwrap(got))
		})
	}
}

func TestClassify_ProviderDetails(t *testing.T) {
	err := Classify(providers.NewProviderError("anthropic", providers.ErrCodeRateLimitExceeded, "slow down", 429, nil))

	assert.Equal(t, "anthropic", err.Details["provider"])
	assert.Equal(t, "rate_limit_exceeded", err.Details["code"])
}

func TestClassify_PassesDomainErrors(t *testing.T) {
	assert.Nil(t, Classify(nil))

	err := fmt.Errorf("lookup: %w", ErrSessionNotFound)
	assert.Same(t, ErrSessionNotFound, Classify(err))
}

func TestErrorTypeCheckers(t *testing.T) {
	tests := []struct {
		name    string
		check   func(error) bool
		match   error
		noMatch error
	}{
		{"not found", IsNotFoundError, ErrRequestNotFound, ErrInternal},
		{"validation", IsValidationError, ErrInvalidInput, ErrUnauthorized},
		{"unauthorized", IsUnauthorizedError, ErrInvalidToken, ErrForbidden},
		{"forbidden", IsForbiddenError, ErrAdminRequired, ErrUnauthorized},
		{"rate limit", IsRateLimitError, ErrTooManyRequests, ErrInternal},
		{"external", IsExternalError, ErrProviderError, ErrProviderTimeout},
		{"canceled", IsCanceledError, ErrRequestCanceled, ErrServiceShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.match))
			assert.True(t, tt.check(fmt.Errorf("wrapped: %w", tt.match)))
			assert.False(t, tt.check(tt.noMatch))
			assert.False(t, tt.check(errors.New("plain")))
			assert.False(t, tt.check(nil))
		})
	}
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeConflict, GetErrorType(NewDomainError(ErrorTypeConflict, "dup", nil)))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("plain")))
}

func TestGetErrorDetails(t *testing.T) {
	err := NewDomainError(ErrorTypeValidation, "bad", nil).WithDetail("field", "messages")
	assert.Equal(t, "messages", GetErrorDetails(err)["field"])
	assert.Nil(t, GetErrorDetails(errors.New("plain")))
}

func TestWrapError(t *testing.T) {
	base := errors.New("disk full")

	err := WrapError(ErrorTypeUnavailable, "store down", base)
	assert.Equal(t, ErrorTypeUnavailable, GetErrorType(err))
	assert.ErrorIs(t, err, base)

	err = WrapInternal("write failed", base)
	assert.Equal(t, ErrorTypeInternal, GetErrorType(err))
	assert.ErrorIs(t, err, base)
}

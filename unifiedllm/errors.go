package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type StreamErrorType struct{ SDKError }
type NoObjectGeneratedError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, cause error, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message, Cause: cause}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable returns true if the error is safe to retry. Wrapped errors
// are classified by the first unified error found in the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch t := e.(type) {
		case *ProviderError:
			return t.Retryable
		case *AuthenticationError, *AccessDeniedError, *NotFoundError,
			*InvalidRequestError, *ContextLengthError, *ContentFilterError,
			*ConfigurationError, *AbortError, *NoObjectGeneratedError:
			return false
		case *RateLimitError, *ServerError, *NetworkError,
			*StreamErrorType, *RequestTimeoutError:
			return true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unknown errors default to retryable.
	return true
}

// StatusCode returns the provider HTTP status for err, or 0.
func StatusCode(err error) int {
	var pe interface{ status() int }
	if errors.As(err, &pe) {
		return pe.status()
	}
	return 0
}

func (e *ProviderError) status() int { return e.StatusCode }

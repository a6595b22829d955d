package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/upb/provider-router/services"
)

// AdapterError represents a failed attempt against one provider
type AdapterError struct {
	// Provider that generated the error
	Provider string

	// Type is the routing category of the failure
	Type services.ErrorType

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// RetryAfter is the server-requested wait on rate limiting
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Provider, e.Type, e.Message)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// ErrorType returns the error category
func (e *AdapterError) ErrorType() services.ErrorType {
	return e.Type
}

// NewAdapterError creates a new adapter error
func NewAdapterError(provider string, errType services.ErrorType, message string, statusCode int, cause error) *AdapterError {
	return &AdapterError{
		Provider:   provider,
		Type:       errType,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// IsRetryable checks if an error may be retried against the same provider
func IsRetryable(err error) bool {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Type.Retryable()
	}
	return false
}

// RetryAfterOf returns the server-requested delay carried by err, or zero
func RetryAfterOf(err error) time.Duration {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.RetryAfter
	}
	return 0
}

// ClassifyTransportError maps an error from http.Client.Do
func ClassifyTransportError(provider string, err error) *AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAdapterError(provider, services.ErrorTypeTimeout, "request timed out", 0, err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAdapterError(provider, services.ErrorTypeTimeout, "request canceled", 0, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewAdapterError(provider, services.ErrorTypeTimeout, "request timed out", 0, err)
	}
	return NewAdapterError(provider, services.ErrorTypeUnavailable, "connection failed", 0, err)
}

// ClassifyStatus maps a non-2xx HTTP status to an error category
func ClassifyStatus(statusCode int) services.ErrorType {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return services.ErrorTypeRateLimited
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return services.ErrorTypeTimeout
	case statusCode >= 500:
		return services.ErrorTypeUnavailable
	default:
		return services.ErrorTypeUnknown
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

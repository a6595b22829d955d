package services

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the type/category of error
type ErrorType string

// Routing taxonomy
const (
	ErrorTypeConfiguration         ErrorType = "configuration"
	ErrorTypeCapabilityUnsupported ErrorType = "capability_unsupported"
	ErrorTypeTimeout               ErrorType = "timeout"
	ErrorTypeUnavailable           ErrorType = "unavailable"
	ErrorTypeRateLimited           ErrorType = "rate_limited"
	ErrorTypeStrictModeViolation   ErrorType = "strict_mode_violation"
	ErrorTypeUnknown               ErrorType = "unknown"
)

// API taxonomy
const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeInternal     ErrorType = "internal"
)

// Retryable reports whether an attempt that failed with this type may be
// repeated against the same provider.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeTimeout, ErrorTypeUnavailable, ErrorTypeRateLimited:
		return true
	default:
		return false
	}
}

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

// ErrorType returns the error category
func (e *DomainError) ErrorType() ErrorType {
	return e.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
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

// ProviderError is the single failure shape returned by the router. It names
// every provider that was attempted and whether a fallback happened, so a
// caller can tell "everything is down" from "policy forbade fallback".
type ProviderError struct {
	Type              ErrorType
	Providers         []string
	FallbackAttempted bool
	Message           string
	Err               error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": ")
	b.WriteString(e.Message)
	fmt.Fprintf(&b, " (providers=%s fallback_attempted=%t)", strings.Join(e.Providers, ","), e.FallbackAttempted)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap implements errors.Unwrap
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrorType returns the error category
func (e *ProviderError) ErrorType() ErrorType {
	return e.Type
}

// Details returns the fields surfaced to API callers
func (e *ProviderError) Details() map[string]interface{} {
	providers := e.Providers
	if providers == nil {
		providers = []string{}
	}
	return map[string]interface{}{
		"providers":          providers,
		"fallback_attempted": e.FallbackAttempted,
	}
}

// NewProviderError creates a new router-level provider error
func NewProviderError(errType ErrorType, providers []string, fallbackAttempted bool, message string, err error) *ProviderError {
	return &ProviderError{
		Type:              errType,
		Providers:         providers,
		FallbackAttempted: fallbackAttempted,
		Message:           message,
		Err:               err,
	}
}

// Domain error variables

var (
	ErrInvalidInput      = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrEmptyMessages     = NewDomainError(ErrorTypeValidation, "messages cannot be empty", nil)
	ErrInvalidRange      = NewDomainError(ErrorTypeValidation, "invalid time range", nil)
	ErrInvalidMode       = NewDomainError(ErrorTypeConfiguration, "invalid provider mode", nil)
	ErrMissingCredential = NewDomainError(ErrorTypeConfiguration, "missing provider credential", nil)
	ErrNoProviders       = NewDomainError(ErrorTypeConfiguration, "no provider configured for mode", nil)
	ErrProviderNotFound  = NewDomainError(ErrorTypeNotFound, "provider not found", nil)
	ErrUnauthorized      = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
)

// typedError is implemented by every error in this module that carries a category
type typedError interface {
	ErrorType() ErrorType
}

// ErrorTypeOf returns the category of the first typed error in err's chain,
// or empty string if there is none
func ErrorTypeOf(err error) ErrorType {
	var typed typedError
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	return ""
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	return ErrorTypeOf(err)
}

// GetErrorDetails returns the details map of a domain or provider error, or nil
func GetErrorDetails(err error) map[string]interface{} {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Details()
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

func isType(err error, t ErrorType) bool {
	return err != nil && ErrorTypeOf(err) == t
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool { return isType(err, ErrorTypeConfiguration) }

// IsCapabilityUnsupportedError checks if an error is a capability error
func IsCapabilityUnsupportedError(err error) bool {
	return isType(err, ErrorTypeCapabilityUnsupported)
}

// IsTimeoutError checks if an error is a timeout
func IsTimeoutError(err error) bool { return isType(err, ErrorTypeTimeout) }

// IsUnavailableError checks if an error is an unavailable error
func IsUnavailableError(err error) bool { return isType(err, ErrorTypeUnavailable) }

// IsRateLimitedError checks if an error is a rate limit error
func IsRateLimitedError(err error) bool { return isType(err, ErrorTypeRateLimited) }

// IsStrictModeViolation checks if an error is a strict mode violation
func IsStrictModeViolation(err error) bool { return isType(err, ErrorTypeStrictModeViolation) }

// IsUnknownError checks if an error is an uncategorized provider error
func IsUnknownError(err error) bool { return isType(err, ErrorTypeUnknown) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return isType(err, ErrorTypeForbidden) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapConfiguration wraps an error as a configuration error
func WrapConfiguration(message string, err error) error {
	return NewDomainError(ErrorTypeConfiguration, message, err)
}

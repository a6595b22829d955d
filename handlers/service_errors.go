package handlers

import (
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/utils"
)

// statusFor maps an error category to its HTTP status
func statusFor(t services.ErrorType) int {
	switch t {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorTypeForbidden:
		return http.StatusForbidden
	case services.ErrorTypeNotFound:
		return http.StatusNotFound
	case services.ErrorTypeStrictModeViolation:
		return http.StatusConflict
	case services.ErrorTypeCapabilityUnsupported:
		return http.StatusUnprocessableEntity
	case services.ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case services.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case services.ErrorTypeUnavailable, services.ErrorTypeUnknown:
		return http.StatusBadGateway
	case services.ErrorTypeConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleServiceError maps domain and provider errors to HTTP responses.
// The error code in the body is the error category.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	errType := services.ErrorTypeOf(err)
	status := statusFor(errType)
	details := services.GetErrorDetails(err)

	if status == http.StatusInternalServerError {
		// Log internal errors but return generic message
		logger.Error("internal server error",
			zap.Error(err),
			zap.String("error_type", string(errType)))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	if errType == services.ErrorTypeRateLimited {
		if after := providers.RetryAfterOf(err); after > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(after.Seconds()))))
		}
	}

	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", zap.Error(err), zap.Int("status", status))
	} else {
		logger.Debug("handled service error", zap.Error(err), zap.Int("status", status))
	}

	if err := utils.WriteTypedError(w, status, string(errType), err.Error(), details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteTypedError(w, http.StatusBadRequest, string(services.ErrorTypeValidation), "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteTypedError(w, http.StatusBadRequest, string(services.ErrorTypeValidation), err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

package handlers

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/utils"
)

// UsageReporter summarizes recorded spend over [from, to). A zero bound is
// open.
type UsageReporter interface {
	Usage(from, to time.Time) (models.UsageSummary, error)
}

// UsageHandler serves the cost summary
type UsageHandler struct {
	usage  UsageReporter
	logger *zap.Logger
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(usage UsageReporter, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		usage:  usage,
		logger: logger,
	}
}

// HandleUsage handles GET /api/v1/usage?from=&to=
// Bounds are RFC3339 timestamps or YYYY-MM-DD dates in UTC. A date-only
// upper bound includes that whole day.
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	from, _, err := parseBound(query.Get("from"))
	if err != nil {
		HandleValidationError(w, rangeError("from", err), h.logger)
		return
	}
	to, dateOnly, err := parseBound(query.Get("to"))
	if err != nil {
		HandleValidationError(w, rangeError("to", err), h.logger)
		return
	}
	if dateOnly {
		to = to.Add(24 * time.Hour)
	}

	summary, err := h.usage.Usage(from, to)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, summary); err != nil {
		h.logger.Error("failed to write usage response", zap.Error(err))
	}
}

// parseBound returns the zero time for an empty value
func parseBound(value string) (time.Time, bool, error) {
	if value == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.ParseInLocation(models.DayLayout, value, time.UTC); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("%q is not an RFC3339 timestamp or YYYY-MM-DD date", value)
}

func rangeError(field string, err error) *utils.ValidationError {
	return &utils.ValidationError{
		Message: "Validation failed",
		Fields:  map[string]string{field: err.Error()},
	}
}

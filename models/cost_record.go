package models

import (
	"time"

	"github.com/google/uuid"
)

// CostRecord is one ledger entry for a completed attempt
type CostRecord struct {
	ID           uuid.UUID `json:"id" db:"id"`
	RequestID    string    `json:"request_id,omitempty" db:"request_id"`
	ProviderID   string    `json:"provider_id" db:"provider_id"`
	Model        string    `json:"model" db:"model"`
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the CostRecord model
func (CostRecord) TableName() string {
	return "cost_records"
}

// NewCostRecord creates a new CostRecord instance
func NewCostRecord(requestID, providerID, model string, inputTokens, outputTokens int, costUSD float64, ts time.Time) CostRecord {
	return CostRecord{
		ID:           uuid.New(),
		RequestID:    requestID,
		ProviderID:   providerID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
		Timestamp:    ts.UTC(),
	}
}

// DayKey returns the UTC day bucket of the record
func (r CostRecord) DayKey() string {
	return r.Timestamp.UTC().Format(DayLayout)
}

// DayLayout is the layout of usage time buckets
const DayLayout = "2006-01-02"

// DailyUsage is the aggregate of one provider on one UTC day
type DailyUsage struct {
	Date         string  `json:"date"`
	Requests     int     `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ProviderUsage is the aggregate of one provider over a range
type ProviderUsage struct {
	ProviderID   string       `json:"provider_id"`
	Requests     int          `json:"requests"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	CostUSD      float64      `json:"cost_usd"`
	Days         []DailyUsage `json:"days"`
}

// UsageSummary is derived from the ledger and never stored
type UsageSummary struct {
	From         *time.Time      `json:"from,omitempty"`
	To           *time.Time      `json:"to,omitempty"`
	Requests     int             `json:"requests"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Providers    []ProviderUsage `json:"providers"`
}

package repositories

import (
	"context"
	"time"

	"github.com/upb/provider-router/models"
)

// TransactionManager groups ledger writes into one transaction
type TransactionManager interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// CostRecordRepository persists the cost ledger
type CostRecordRepository interface {
	// Insert appends a single record
	Insert(ctx context.Context, rec *models.CostRecord) error

	// InsertBatch appends records atomically
	InsertBatch(ctx context.Context, recs []models.CostRecord) error

	// ListSince returns records with timestamp >= since, oldest first
	ListSince(ctx context.Context, since time.Time) ([]models.CostRecord, error)

	// ListRange returns records in [from, to), oldest first
	ListRange(ctx context.Context, from, to time.Time) ([]models.CostRecord, error)

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
)

const costRecordColumns = `id, request_id, provider_id, model, input_tokens, output_tokens, cost_usd, timestamp`

const insertCostRecordQuery = `
	INSERT INTO cost_records (` + costRecordColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING
`

// CostRecordRepository implements repositories.CostRecordRepository
type CostRecordRepository struct {
	db     *DB
	tx     repositories.TransactionManager
	logger *zap.Logger
}

// NewCostRecordRepository creates a new cost record repository
func NewCostRecordRepository(db *DB, tx repositories.TransactionManager, logger *zap.Logger) repositories.CostRecordRepository {
	return &CostRecordRepository{
		db:     db,
		tx:     tx,
		logger: logger,
	}
}

// Insert appends one record. Re-inserting the same id is a no-op.
func (r *CostRecordRepository) Insert(ctx context.Context, rec *models.CostRecord) error {
	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, insertCostRecordQuery,
		rec.ID,
		rec.RequestID,
		rec.ProviderID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}

	r.logger.Debug("cost record inserted",
		zap.String("id", rec.ID.String()),
		zap.String("provider", rec.ProviderID))
	return nil
}

// InsertBatch appends records in one transaction
func (r *CostRecordRepository) InsertBatch(ctx context.Context, recs []models.CostRecord) error {
	if len(recs) == 0 {
		return nil
	}

	return r.tx.InTransaction(ctx, func(txCtx context.Context) error {
		for i := range recs {
			if err := r.Insert(txCtx, &recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSince returns records with timestamp >= since, oldest first
func (r *CostRecordRepository) ListSince(ctx context.Context, since time.Time) ([]models.CostRecord, error) {
	query := `SELECT ` + costRecordColumns + ` FROM cost_records WHERE timestamp >= $1 ORDER BY timestamp ASC`
	return r.list(ctx, query, since.UTC())
}

// ListRange returns records in [from, to), oldest first
func (r *CostRecordRepository) ListRange(ctx context.Context, from, to time.Time) ([]models.CostRecord, error) {
	query := `SELECT ` + costRecordColumns + ` FROM cost_records WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp ASC`
	return r.list(ctx, query, from.UTC(), to.UTC())
}

func (r *CostRecordRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.CostRecord, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost records: %w", err)
	}
	defer rows.Close()

	var records []models.CostRecord
	for rows.Next() {
		var rec models.CostRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.ProviderID,
			&rec.Model,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.CostUSD,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost records: %w", err)
	}
	return records, nil
}

// Ping verifies the database is reachable
func (r *CostRecordRepository) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

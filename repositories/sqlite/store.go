// Package sqlite stores the cost ledger in a single-file SQLite database
// for deployments without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
)

// Store implements repositories.CostRecordRepository on SQLite.
// Timestamps are stored as UTC unix nanoseconds.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

var _ repositories.CostRecordRepository = (*Store)(nil)

// Open opens or creates the database at path and applies the schema
func Open(path string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between pool connections
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: logger}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("sqlite ledger opened", zap.String("path", path))
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS cost_records (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0 CHECK (input_tokens >= 0),
		output_tokens INTEGER NOT NULL DEFAULT 0 CHECK (output_tokens >= 0),
		cost_usd REAL NOT NULL DEFAULT 0 CHECK (cost_usd >= 0),
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cost_records_timestamp ON cost_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_cost_records_provider ON cost_records(provider_id, timestamp);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

const insertQuery = `
	INSERT OR IGNORE INTO cost_records
		(id, request_id, provider_id, model, input_tokens, output_tokens, cost_usd, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insert(ctx context.Context, e execer, rec *models.CostRecord) error {
	_, err := e.ExecContext(ctx, insertQuery,
		rec.ID.String(),
		rec.RequestID,
		rec.ProviderID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		nanos(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

// Insert appends one record. Re-inserting the same id is a no-op.
func (s *Store) Insert(ctx context.Context, rec *models.CostRecord) error {
	return insert(ctx, s.db, rec)
}

// InsertBatch appends records in one transaction
func (s *Store) InsertBatch(ctx context.Context, recs []models.CostRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for i := range recs {
		if err := insert(ctx, tx, &recs[i]); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("failed to rollback transaction", zap.Error(rbErr))
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListSince returns records with timestamp >= since, oldest first
func (s *Store) ListSince(ctx context.Context, since time.Time) ([]models.CostRecord, error) {
	return s.list(ctx,
		`SELECT id, request_id, provider_id, model, input_tokens, output_tokens, cost_usd, timestamp
		 FROM cost_records WHERE timestamp >= ? ORDER BY timestamp ASC`,
		nanos(since))
}

// ListRange returns records in [from, to), oldest first
func (s *Store) ListRange(ctx context.Context, from, to time.Time) ([]models.CostRecord, error) {
	return s.list(ctx,
		`SELECT id, request_id, provider_id, model, input_tokens, output_tokens, cost_usd, timestamp
		 FROM cost_records WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`,
		nanos(from), nanos(to))
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]models.CostRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost records: %w", err)
	}
	defer rows.Close()

	var records []models.CostRecord
	for rows.Next() {
		var (
			rec models.CostRecord
			id  string
			ts  int64
		)
		if err := rows.Scan(&id, &rec.RequestID, &rec.ProviderID, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid cost record id %q: %w", id, err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cost records: %w", err)
	}
	return records, nil
}

// nanos converts t to stored form, clamping times outside the int64 range
func nanos(t time.Time) int64 {
	switch {
	case t.Before(minTime):
		return math.MinInt64
	case t.After(maxTime):
		return math.MaxInt64
	}
	return t.UTC().UnixNano()
}

var (
	minTime = time.Unix(0, math.MinInt64)
	maxTime = time.Unix(0, math.MaxInt64)
)

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

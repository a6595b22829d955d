package postgres

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/provider-router/config"
	"github.com/upb/provider-router/repositories"
)

// RepositoryFactory owns the ledger connection pool
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg config.DatabaseConfig, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &RepositoryFactory{db: db, logger: logger}, nil
}

// InitSchema initializes the ledger schema
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	return f.db.InitSchema(ctx)
}

// CostRecords returns the cost ledger repository
func (f *RepositoryFactory) CostRecords() repositories.CostRecordRepository {
	return NewCostRecordRepository(f.db, f.GetTransactionManager(), f.logger)
}

// GetTransactionManager returns a manager bound to the pool
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}

package cost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
)

// ErrPersisterFull is returned when the record buffer is full
var ErrPersisterFull = errors.New("cost record buffer full")

// PersisterConfig holds configuration for the Persister
type PersisterConfig struct {
	BufferSize  int // Size of the record buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultPersisterConfig returns the default configuration
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		BufferSize:  10000,
		WorkerCount: 2,
	}
}

// Persister writes cost records to a repository in the background
type Persister struct {
	repo        repositories.CostRecordRepository
	logger      *zap.Logger
	recordChan  chan models.CostRecord
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	started     bool
	stopped     bool
	mu          sync.RWMutex
}

// NewPersister creates a new Persister instance
func NewPersister(repo repositories.CostRecordRepository, logger *zap.Logger, config PersisterConfig) *Persister {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultPersisterConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultPersisterConfig().WorkerCount
	}

	return &Persister{
		repo:        repo,
		logger:      logger,
		recordChan:  make(chan models.CostRecord, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
	}
}

// Start starts the background workers
func (p *Persister) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("cost persister already started")
	}

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.started = true
	p.logger.Info("started cost persister",
		zap.Int("worker_count", p.workerCount),
		zap.Int("buffer_size", p.bufferSize))

	return nil
}

// Stop drains pending records and stops the workers
func (p *Persister) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("cost persister not running")
	}
	p.stopped = true
	// no more records will be accepted
	close(p.recordChan)
	p.mu.Unlock()

	p.logger.Info("stopping cost persister", zap.Int("pending_records", len(p.recordChan)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("cost persister stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("cost persister stop timeout after %v", timeout)
	}
}

// Enqueue hands a record to the workers without blocking
func (p *Persister) Enqueue(rec models.CostRecord) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.stopped {
		return fmt.Errorf("cost persister not running")
	}

	select {
	case p.recordChan <- rec:
		return nil
	default:
		p.logger.Warn("cost record channel full, dropping record",
			zap.String("record_id", rec.ID.String()),
			zap.String("provider", rec.ProviderID))
		return ErrPersisterFull
	}
}

func (p *Persister) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("cost persister worker started", zap.Int("worker_id", id))

	for rec := range p.recordChan {
		if err := p.processRecord(rec); err != nil {
			p.logger.Error("failed to persist cost record",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("record_id", rec.ID.String()),
				zap.String("provider", rec.ProviderID))
		}
	}

	p.logger.Debug("cost persister worker stopped", zap.Int("worker_id", id))
}

func (p *Persister) processRecord(rec models.CostRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.repo.Insert(ctx, &rec); err != nil {
		return fmt.Errorf("failed to insert cost record: %w", err)
	}

	return nil
}

// GetStats returns statistics about the persister
func (p *Persister) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Stats{
		BufferSize:     p.bufferSize,
		PendingRecords: len(p.recordChan),
		WorkerCount:    p.workerCount,
		Started:        p.started && !p.stopped,
	}
}

// Stats represents persister statistics
type Stats struct {
	BufferSize     int
	PendingRecords int
	WorkerCount    int
	Started        bool
}

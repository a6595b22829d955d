package cost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
)

// MockCostRecordRepository is a mock implementation of CostRecordRepository
type MockCostRecordRepository struct {
	mock.Mock
	mu       sync.Mutex
	inserted []models.CostRecord
}

func (m *MockCostRecordRepository) Insert(ctx context.Context, rec *models.CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := m.Called(ctx, rec)
	m.inserted = append(m.inserted, *rec)
	return args.Error(0)
}

func (m *MockCostRecordRepository) InsertBatch(ctx context.Context, recs []models.CostRecord) error {
	args := m.Called(ctx, recs)
	return args.Error(0)
}

func (m *MockCostRecordRepository) ListSince(ctx context.Context, since time.Time) ([]models.CostRecord, error) {
	args := m.Called(ctx, since)
	if recs := args.Get(0); recs != nil {
		return recs.([]models.CostRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCostRecordRepository) ListRange(ctx context.Context, from, to time.Time) ([]models.CostRecord, error) {
	args := m.Called(ctx, from, to)
	if recs := args.Get(0); recs != nil {
		return recs.([]models.CostRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCostRecordRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCostRecordRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserted)
}

func newRecord(provider string) models.CostRecord {
	return models.NewCostRecord("req", provider, "m", 1, 1, 0, time.Now())
}

func TestPersister_StartStop(t *testing.T) {
	repo := new(MockCostRecordRepository)
	p := NewPersister(repo, zap.NewNop(), DefaultPersisterConfig())

	require.NoError(t, p.Start())
	assert.Error(t, p.Start(), "second start must fail")

	stats := p.GetStats()
	assert.True(t, stats.Started)
	assert.Equal(t, 2, stats.WorkerCount)

	require.NoError(t, p.Stop(time.Second))
	assert.Error(t, p.Stop(time.Second))
	assert.False(t, p.GetStats().Started)
}

func TestPersister_EnqueueBeforeStart(t *testing.T) {
	p := NewPersister(new(MockCostRecordRepository), zap.NewNop(), DefaultPersisterConfig())

	assert.Error(t, p.Enqueue(newRecord("local")))
}

func TestPersister_DrainsOnStop(t *testing.T) {
	repo := new(MockCostRecordRepository)
	repo.On("Insert", mock.Anything, mock.AnythingOfType("*models.CostRecord")).Return(nil)

	p := NewPersister(repo, zap.NewNop(), PersisterConfig{BufferSize: 100, WorkerCount: 3})
	require.NoError(t, p.Start())

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Enqueue(newRecord("cloud-a")))
	}

	require.NoError(t, p.Stop(5*time.Second))
	assert.Equal(t, 50, repo.count())
	assert.Error(t, p.Enqueue(newRecord("cloud-a")), "enqueue after stop must fail")
}

func TestPersister_InsertErrorDoesNotStopWorker(t *testing.T) {
	repo := new(MockCostRecordRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	p := NewPersister(repo, zap.NewNop(), PersisterConfig{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, p.Start())

	require.NoError(t, p.Enqueue(newRecord("a")))
	require.NoError(t, p.Enqueue(newRecord("b")))

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, 2, repo.count())
}

func TestPersister_DropsWhenFull(t *testing.T) {
	repo := new(MockCostRecordRepository)
	block := make(chan struct{})
	repo.On("Insert", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-block }).Return(nil)

	p := NewPersister(repo, zap.NewNop(), PersisterConfig{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, p.Start())

	var dropped bool
	for i := 0; i < 5; i++ {
		if err := p.Enqueue(newRecord("a")); errors.Is(err, ErrPersisterFull) {
			dropped = true
		}
	}
	assert.True(t, dropped)

	close(block)
	require.NoError(t, p.Stop(time.Second))
}

func TestPersister_AsTrackerSink(t *testing.T) {
	repo := new(MockCostRecordRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	p := NewPersister(repo, zap.NewNop(), DefaultPersisterConfig())
	require.NoError(t, p.Start())

	tr := NewTracker(NewPriceTable(), p, zap.NewNop())
	_, err := tr.Record(context.Background(), Entry{ProviderID: "local"})
	require.NoError(t, err)

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, 1, repo.count())
}

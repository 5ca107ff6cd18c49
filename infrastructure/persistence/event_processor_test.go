package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"multichat/domain/persistence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type MockExchangeRepository struct {
	mock.Mock
}

func (m *MockExchangeRepository) Create(ctx context.Context, entity *persistence.ExchangeRecord) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockExchangeRepository) Update(ctx context.Context, entity *persistence.ExchangeRecord) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockExchangeRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ExchangeRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*persistence.ExchangeRecord), args.Error(1)
}

func (m *MockExchangeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockExchangeRepository) FindByIDWithMetrics(ctx context.Context, id uuid.UUID) (*persistence.ExchangeRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*persistence.ExchangeRecord), args.Error(1)
}

func (m *MockExchangeRepository) FindByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*persistence.ExchangeRecord, error) {
	args := m.Called(ctx, conversationID, limit)
	return args.Get(0).([]*persistence.ExchangeRecord), args.Error(1)
}

func (m *MockExchangeRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.ExchangeRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*persistence.ExchangeRecord), args.Error(1)
}

func (m *MockExchangeRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status persistence.ExchangeStatus, errMsg string) error {
	args := m.Called(ctx, id, status, errMsg)
	return args.Error(0)
}

type MockMetricsRepository struct {
	mock.Mock
}

func (m *MockMetricsRepository) Create(ctx context.Context, entity *persistence.ExchangeMetrics) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockMetricsRepository) Update(ctx context.Context, entity *persistence.ExchangeMetrics) error {
	args := m.Called(ctx, entity)
	return args.Error(0)
}

func (m *MockMetricsRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ExchangeMetrics, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*persistence.ExchangeMetrics), args.Error(1)
}

func (m *MockMetricsRepository) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMetricsRepository) FindByExchangeID(ctx context.Context, exchangeID uuid.UUID) (*persistence.ExchangeMetrics, error) {
	args := m.Called(ctx, exchangeID)
	return args.Get(0).(*persistence.ExchangeMetrics), args.Error(1)
}

func (m *MockMetricsRepository) CreateOrUpdate(ctx context.Context, metrics *persistence.ExchangeMetrics) error {
	args := m.Called(ctx, metrics)
	return args.Error(0)
}

func (m *MockMetricsRepository) GetAggregatedUsage(ctx context.Context) (*persistence.AggregatedUsage, error) {
	args := m.Called(ctx)
	return args.Get(0).(*persistence.AggregatedUsage), args.Error(1)
}

func (m *MockMetricsRepository) GetUsageByModel(ctx context.Context) ([]persistence.ModelUsage, error) {
	args := m.Called(ctx)
	return args.Get(0).([]persistence.ModelUsage), args.Error(1)
}

func newTestProcessor(workers, buffer int) (*EventProcessor, *MockExchangeRepository, *MockMetricsRepository) {
	exchangeRepo := &MockExchangeRepository{}
	metricsRepo := &MockMetricsRepository{}
	processor := NewEventProcessor(exchangeRepo, metricsRepo, workers, buffer)
	processor.retryDelay = time.Millisecond
	return processor, exchangeRepo, metricsRepo
}

func TestEventProcessor_StartStop(t *testing.T) {
	processor, _, _ := newTestProcessor(2, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, processor.Start(ctx))

	health := processor.Health()
	assert.True(t, health.IsRunning)
	assert.Equal(t, 0, health.QueueSize)
	assert.Nil(t, health.LastProcessedAt)

	assert.Error(t, processor.Start(ctx), "duplicate start must fail")

	assert.NoError(t, processor.Stop())
	assert.False(t, processor.Health().IsRunning)
	assert.NoError(t, processor.Stop(), "second stop is a no-op")

	err := processor.ProcessEvent(persistence.StartExchangeEvent{ExchangeID: uuid.New()})
	assert.ErrorIs(t, err, errNotRunning)
}

func TestEventProcessor_ProcessStartEvent(t *testing.T) {
	processor, exchangeRepo, _ := newTestProcessor(1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, processor.Start(ctx))
	defer processor.Stop()

	exchangeID := uuid.New()
	exchangeRepo.On("Create", mock.Anything, mock.MatchedBy(func(r *persistence.ExchangeRecord) bool {
		return r.ID == exchangeID && r.Model == "qwen" && r.Status == persistence.ExchangeStatusPending
	})).Return(nil)

	err := processor.ProcessEvent(persistence.PersistenceEvent[persistence.StartExchangeEvent]{
		Type: persistence.EventTypeStartExchange,
		Data: persistence.StartExchangeEvent{ExchangeID: exchangeID, Model: "qwen", Provider: "openai"},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return processor.Health().ProcessedCount == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, processor.Health().LastProcessedAt)
	exchangeRepo.AssertExpectations(t)
}

func TestEventProcessor_UnknownEvent(t *testing.T) {
	processor, _, _ := newTestProcessor(1, 10)

	tests := []struct {
		name  string
		event any
	}{
		{"string", "not an event"},
		{"unwrapped start", persistence.StartExchangeEvent{ExchangeID: uuid.New()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := processor.processEvent(context.Background(), tt.event)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "unknown event type")
		})
	}
}

func TestEventProcessor_HandleCompleteWithRetry(t *testing.T) {
	processor, exchangeRepo, metricsRepo := newTestProcessor(1, 10)

	exchangeID := uuid.New()
	notFound := fmt.Errorf("exchange record not found: %w", gorm.ErrRecordNotFound)

	exchangeRepo.On("FindByID", mock.Anything, exchangeID).Return((*persistence.ExchangeRecord)(nil), notFound).Twice()
	exchangeRepo.On("FindByID", mock.Anything, exchangeID).Return(&persistence.ExchangeRecord{ID: exchangeID}, nil).Once()
	exchangeRepo.On("UpdateStatus", mock.Anything, exchangeID, persistence.ExchangeStatusCompleted, "").Return(nil).Once()
	metricsRepo.On("CreateOrUpdate", mock.Anything, mock.MatchedBy(func(m *persistence.ExchangeMetrics) bool {
		return m.ExchangeID == exchangeID && m.TotalTokens == 1500 && m.Cost == 0.011
	})).Return(nil).Once()

	err := processor.handleComplete(context.Background(), persistence.CompleteExchangeEvent{
		ExchangeID:       exchangeID,
		PromptTokens:     1000,
		CompletionTokens: 500,
		TotalTokens:      1500,
		Cost:             0.011,
		LatencyMs:        120,
	})
	assert.NoError(t, err)

	exchangeRepo.AssertExpectations(t)
	metricsRepo.AssertExpectations(t)
}

func TestEventProcessor_HandleCompleteGivesUp(t *testing.T) {
	processor, exchangeRepo, metricsRepo := newTestProcessor(1, 10)

	exchangeID := uuid.New()
	notFound := fmt.Errorf("exchange record not found: %w", gorm.ErrRecordNotFound)
	exchangeRepo.On("FindByID", mock.Anything, exchangeID).Return((*persistence.ExchangeRecord)(nil), notFound).Times(lookupAttempts)

	err := processor.handleComplete(context.Background(), persistence.CompleteExchangeEvent{ExchangeID: exchangeID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found after")

	exchangeRepo.AssertExpectations(t)
	metricsRepo.AssertNotCalled(t, "CreateOrUpdate", mock.Anything, mock.Anything)
}

type txMarker struct{}

type recordingTransactor struct {
	calls int
}

func (r *recordingTransactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	r.calls++
	return fn(context.WithValue(ctx, txMarker{}, true))
}

func TestEventProcessor_HandleCompleteUsesTransaction(t *testing.T) {
	processor, exchangeRepo, metricsRepo := newTestProcessor(1, 10)
	tx := &recordingTransactor{}
	processor.UseTransactions(tx)

	inTx := mock.MatchedBy(func(ctx context.Context) bool {
		v, _ := ctx.Value(txMarker{}).(bool)
		return v
	})

	exchangeID := uuid.New()
	exchangeRepo.On("FindByID", mock.Anything, exchangeID).Return(&persistence.ExchangeRecord{ID: exchangeID}, nil)
	exchangeRepo.On("UpdateStatus", inTx, exchangeID, persistence.ExchangeStatusCompleted, "").Return(nil).Once()
	metricsRepo.On("CreateOrUpdate", inTx, mock.AnythingOfType("*persistence.ExchangeMetrics")).Return(nil).Once()

	err := processor.handleComplete(context.Background(), persistence.CompleteExchangeEvent{ExchangeID: exchangeID, TotalTokens: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, tx.calls)

	exchangeRepo.AssertExpectations(t)
	metricsRepo.AssertExpectations(t)
}

func TestEventProcessor_HandleFail(t *testing.T) {
	processor, exchangeRepo, _ := newTestProcessor(1, 10)

	exchangeID := uuid.New()
	exchangeRepo.On("FindByID", mock.Anything, exchangeID).Return(&persistence.ExchangeRecord{ID: exchangeID}, nil)
	exchangeRepo.On("UpdateStatus", mock.Anything, exchangeID, persistence.ExchangeStatusFailed, "boom").Return(nil)

	err := processor.handleFail(context.Background(), persistence.FailExchangeEvent{ExchangeID: exchangeID, Error: "boom"})
	assert.NoError(t, err)
	exchangeRepo.AssertExpectations(t)
}

func TestEventProcessor_QueueFull(t *testing.T) {
	processor, exchangeRepo, _ := newTestProcessor(1, 1)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exchangeRepo.On("Create", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		started <- struct{}{}
		<-release
	}).Return(nil).Once()
	exchangeRepo.On("Create", mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, processor.Start(ctx))

	event := persistence.PersistenceEvent[persistence.StartExchangeEvent]{
		Type: persistence.EventTypeStartExchange,
		Data: persistence.StartExchangeEvent{ExchangeID: uuid.New(), Model: "qwen"},
	}

	// first event occupies the only worker
	require.NoError(t, processor.ProcessEvent(event))
	<-started

	// second fills the buffer
	require.NoError(t, processor.ProcessEvent(event))

	err := processor.ProcessEvent(event)
	assert.ErrorIs(t, err, errQueueFull)
	assert.Equal(t, int64(1), processor.Health().ErrorCount)

	close(release)
	require.NoError(t, processor.Stop())
	assert.Equal(t, int64(2), processor.Health().ProcessedCount)
}

func TestExchangeTracker_Lifecycle(t *testing.T) {
	processor, exchangeRepo, metricsRepo := newTestProcessor(1, 10)
	tracker := NewExchangeTracker(processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, processor.Start(ctx))

	exchangeID := uuid.New()
	exchangeRepo.On("Create", mock.Anything, mock.AnythingOfType("*persistence.ExchangeRecord")).Return(nil)
	exchangeRepo.On("FindByID", mock.Anything, exchangeID).Return(&persistence.ExchangeRecord{ID: exchangeID}, nil)
	exchangeRepo.On("UpdateStatus", mock.Anything, exchangeID, persistence.ExchangeStatusCompleted, "").Return(nil)
	metricsRepo.On("CreateOrUpdate", mock.Anything, mock.AnythingOfType("*persistence.ExchangeMetrics")).Return(nil)

	require.NoError(t, tracker.StartTracking(ctx, persistence.StartExchangeEvent{ExchangeID: exchangeID, Model: "qwen"}))
	require.NoError(t, tracker.CompleteTracking(ctx, persistence.CompleteExchangeEvent{ExchangeID: exchangeID, TotalTokens: 3}))

	require.NoError(t, processor.Stop())

	exchangeRepo.AssertExpectations(t)
	metricsRepo.AssertExpectations(t)
}

type recordingProcessor struct {
	events []any
}

func (p *recordingProcessor) Start(context.Context) error {
	return nil
}

func (p *recordingProcessor) Stop() error {
	return nil
}

func (p *recordingProcessor) Health() persistence.ProcessorHealth {
	return persistence.ProcessorHealth{IsRunning: true}
}

func (p *recordingProcessor) ProcessEvent(event any) error {
	p.events = append(p.events, event)
	return nil
}

func TestExchangeTracker_WrapsEvents(t *testing.T) {
	processor := &recordingProcessor{}
	tracker := NewExchangeTracker(processor)
	ctx := context.Background()
	exchangeID := uuid.New()

	require.NoError(t, tracker.StartTracking(ctx, persistence.StartExchangeEvent{ExchangeID: exchangeID, Model: "qwen"}))
	require.NoError(t, tracker.CompleteTracking(ctx, persistence.CompleteExchangeEvent{ExchangeID: exchangeID, TotalTokens: 4}))
	require.NoError(t, tracker.FailTracking(ctx, exchangeID, "boom"))

	require.Len(t, processor.events, 3)

	start, ok := processor.events[0].(persistence.PersistenceEvent[persistence.StartExchangeEvent])
	require.True(t, ok)
	assert.Equal(t, persistence.EventTypeStartExchange, start.Type)
	assert.Equal(t, "qwen", start.Data.Model)

	complete, ok := processor.events[1].(persistence.PersistenceEvent[persistence.CompleteExchangeEvent])
	require.True(t, ok)
	assert.Equal(t, persistence.EventTypeCompleteExchange, complete.Type)
	assert.Equal(t, 4, complete.Data.TotalTokens)

	fail, ok := processor.events[2].(persistence.PersistenceEvent[persistence.FailExchangeEvent])
	require.True(t, ok)
	assert.Equal(t, persistence.EventTypeFailExchange, fail.Type)
	assert.Equal(t, persistence.FailExchangeEvent{ExchangeID: exchangeID, Error: "boom"}, fail.Data)
}

package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"multichat/domain/persistence"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestLedger(t *testing.T) *DatabaseManager {
	t.Helper()

	dm := NewDatabaseManager()
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, dm.Connect(context.Background(), DriverSQLite, dsn))
	require.NoError(t, dm.Migrate())
	t.Cleanup(func() { _ = dm.Close() })
	return dm
}

func TestDatabaseManager_UnsupportedDriver(t *testing.T) {
	dm := NewDatabaseManager()
	err := dm.Connect(context.Background(), "mysql", "whatever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")

	assert.ErrorIs(t, dm.Migrate(), ErrNotConnected)
	assert.ErrorIs(t, dm.Health(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, dm.WithTransaction(context.Background(), func(context.Context) error { return nil }), ErrNotConnected)
	assert.NoError(t, dm.Close())
}

func TestDatabaseManager_ExchangeLifecycle(t *testing.T) {
	dm := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, dm.Health(ctx))

	exchanges, metrics := dm.GetRepositories()
	convID := uuid.New()

	record := &persistence.ExchangeRecord{ConversationID: convID, ConversationName: "work", Model: "qwen", Provider: "openai"}
	require.NoError(t, exchanges.Create(ctx, record))
	assert.NotEqual(t, uuid.Nil, record.ID)

	found, err := exchanges.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ExchangeStatusPending, found.Status)
	assert.Equal(t, convID, found.ConversationID)

	require.NoError(t, exchanges.UpdateStatus(ctx, record.ID, persistence.ExchangeStatusCompleted, ""))
	require.NoError(t, metrics.CreateOrUpdate(ctx, &persistence.ExchangeMetrics{
		ExchangeID: record.ID, PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500, Cost: 0.011, LatencyMs: 40,
	}))
	// a second write for the same exchange updates in place
	require.NoError(t, metrics.CreateOrUpdate(ctx, &persistence.ExchangeMetrics{
		ExchangeID: record.ID, PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500, Cost: 0.011, LatencyMs: 60,
	}))

	withMetrics, err := exchanges.FindByIDWithMetrics(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, withMetrics.Metrics)
	assert.Equal(t, int64(60), withMetrics.Metrics.LatencyMs)
	assert.Equal(t, persistence.ExchangeStatusCompleted, withMetrics.Status)

	byConv, err := exchanges.FindByConversation(ctx, convID, 10)
	require.NoError(t, err)
	assert.Len(t, byConv, 1)

	_, err = exchanges.FindByID(ctx, uuid.New())
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	err = exchanges.UpdateStatus(ctx, uuid.New(), persistence.ExchangeStatusFailed, "x")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestMetricsRepository_Aggregates(t *testing.T) {
	dm := openTestLedger(t)
	ctx := context.Background()
	exchanges, metrics := dm.GetRepositories()

	seed := []struct {
		model string
		cost  float64
		total int
	}{
		{"qwen", 0.025, 3000},
		{"qwen", 0.005, 1000},
		{"gpt-3.5-turbo-1106", 0.011, 1500},
	}
	for _, s := range seed {
		r := &persistence.ExchangeRecord{ConversationID: uuid.New(), Model: s.model, Status: persistence.ExchangeStatusCompleted}
		require.NoError(t, exchanges.Create(ctx, r))
		require.NoError(t, metrics.Create(ctx, &persistence.ExchangeMetrics{ExchangeID: r.ID, TotalTokens: s.total, Cost: s.cost}))
	}

	agg, err := metrics.GetAggregatedUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), agg.TotalExchanges)
	assert.Equal(t, int64(5500), agg.TotalTokens)
	assert.InDelta(t, 0.041, agg.TotalCost, 1e-9)

	byModel, err := metrics.GetUsageByModel(ctx)
	require.NoError(t, err)
	require.Len(t, byModel, 2)
	assert.Equal(t, "gpt-3.5-turbo-1106", byModel[0].Model)
	assert.Equal(t, "qwen", byModel[1].Model)
	assert.Equal(t, int64(2), byModel[1].TotalExchanges)
	assert.InDelta(t, 0.03, byModel[1].TotalCost, 1e-9)
}

func TestDatabaseManager_WithTransactionRollsBack(t *testing.T) {
	dm := openTestLedger(t)
	ctx := context.Background()
	exchanges, _ := dm.GetRepositories()

	boom := errors.New("boom")
	err := dm.WithTransaction(ctx, func(txCtx context.Context) error {
		require.NoError(t, exchanges.Create(txCtx, &persistence.ExchangeRecord{ConversationID: uuid.New(), Model: "qwen"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	recent, err := exchanges.FindRecent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestDatabaseManager_CompletionIsAtomic(t *testing.T) {
	dm := openTestLedger(t)
	ctx := context.Background()
	exchanges, _ := dm.GetRepositories()

	metrics := &MockMetricsRepository{}
	metrics.On("CreateOrUpdate", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	processor := NewEventProcessor(exchanges, metrics, 1, 4)
	processor.UseTransactions(dm)

	exchangeID := uuid.New()
	require.NoError(t, processor.handleStart(ctx, persistence.StartExchangeEvent{
		ExchangeID:     exchangeID,
		ConversationID: uuid.New(),
		Model:          "qwen",
	}))

	err := processor.handleComplete(ctx, persistence.CompleteExchangeEvent{ExchangeID: exchangeID, TotalTokens: 5})
	require.Error(t, err)

	record, err := exchanges.FindByID(ctx, exchangeID)
	require.NoError(t, err)
	assert.Equal(t, persistence.ExchangeStatusPending, record.Status, "status update must roll back with the metrics write")
}

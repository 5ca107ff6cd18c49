package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the generic repository interface using Go generics
type Repository[T any] interface {
	Create(ctx context.Context, entity *T) error
	Update(ctx context.Context, entity *T) error
	FindByID(ctx context.Context, id uuid.UUID) (*T, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ExchangeRepository defines operations specific to exchange records
type ExchangeRepository interface {
	Repository[ExchangeRecord]

	FindByIDWithMetrics(ctx context.Context, id uuid.UUID) (*ExchangeRecord, error)
	FindByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*ExchangeRecord, error)
	FindRecent(ctx context.Context, limit int) ([]*ExchangeRecord, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status ExchangeStatus, errMsg string) error
}

// MetricsRepository defines operations for exchange metrics
type MetricsRepository interface {
	Repository[ExchangeMetrics]

	FindByExchangeID(ctx context.Context, exchangeID uuid.UUID) (*ExchangeMetrics, error)
	CreateOrUpdate(ctx context.Context, metrics *ExchangeMetrics) error
	GetAggregatedUsage(ctx context.Context) (*AggregatedUsage, error)
	GetUsageByModel(ctx context.Context) ([]ModelUsage, error)
}

// EventProcessor processes ledger events asynchronously
type EventProcessor interface {
	// Start begins processing events from the channel
	Start(ctx context.Context) error

	// Stop gracefully shuts down the event processor
	Stop() error

	// ProcessEvent queues an event without blocking
	ProcessEvent(event any) error

	// Health returns the health status of the processor
	Health() ProcessorHealth
}

// ProcessorHealth represents the health status of the event processor
type ProcessorHealth struct {
	IsRunning      bool  `json:"is_running"`
	QueueSize      int   `json:"queue_size"`
	ProcessedCount int64 `json:"processed_count"`
	ErrorCount     int64 `json:"error_count"`

	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// AggregatedUsage summarizes all completed exchanges in the ledger
type AggregatedUsage struct {
	TotalExchanges   int64   `json:"total_exchanges"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	AverageCost      float64 `json:"average_cost"`
	AverageTokens    float64 `json:"average_tokens"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// ModelUsage is the per-model slice of the ledger
type ModelUsage struct {
	Model          string  `json:"model"`
	TotalExchanges int64   `json:"total_exchanges"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
}

// DatabaseManager defines the interface for database management operations
type DatabaseManager interface {
	// Connect establishes database connection
	Connect(ctx context.Context, driver, dsn string) error

	// Close closes the database connection
	Close() error

	// Migrate runs database migrations
	Migrate() error

	// Health checks database connectivity
	Health(ctx context.Context) error

	// GetRepositories returns initialized repositories
	GetRepositories() (ExchangeRepository, MetricsRepository)
}

// ExchangeTracker records an exchange through its lifecycle
type ExchangeTracker interface {
	StartTracking(ctx context.Context, event StartExchangeEvent) error
	CompleteTracking(ctx context.Context, event CompleteExchangeEvent) error
	FailTracking(ctx context.Context, exchangeID uuid.UUID, errMsg string) error
}

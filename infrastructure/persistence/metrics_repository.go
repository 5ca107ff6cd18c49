package persistence

import (
	"context"
	"errors"
	"fmt"

	"multichat/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MetricsRepository implements persistence.MetricsRepository
type MetricsRepository struct {
	db *gorm.DB
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db *gorm.DB) persistence.MetricsRepository {
	return &MetricsRepository{db: db}
}

func (r *MetricsRepository) getDB(ctx context.Context) *gorm.DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Create creates a new metrics record
func (r *MetricsRepository) Create(ctx context.Context, entity *persistence.ExchangeMetrics) error {
	if err := r.getDB(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create metrics record: %w", err)
	}
	return nil
}

// Update updates an existing metrics record
func (r *MetricsRepository) Update(ctx context.Context, entity *persistence.ExchangeMetrics) error {
	if err := r.getDB(ctx).Save(entity).Error; err != nil {
		return fmt.Errorf("failed to update metrics record: %w", err)
	}
	return nil
}

// FindByID finds a metrics record by ID
func (r *MetricsRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ExchangeMetrics, error) {
	var record persistence.ExchangeMetrics
	if err := r.getDB(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("metrics record not found: %w", err)
		}
		return nil, fmt.Errorf("failed to find metrics record: %w", err)
	}
	return &record, nil
}

// FindByExchangeID finds metrics by exchange ID
func (r *MetricsRepository) FindByExchangeID(ctx context.Context, exchangeID uuid.UUID) (*persistence.ExchangeMetrics, error) {
	var record persistence.ExchangeMetrics
	if err := r.getDB(ctx).First(&record, "exchange_id = ?", exchangeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("metrics record not found for exchange: %w", err)
		}
		return nil, fmt.Errorf("failed to find metrics record by exchange ID: %w", err)
	}
	return &record, nil
}

// CreateOrUpdate keeps exactly one metrics row per exchange; a repeated
// write for the same exchange overwrites the usage figures in place.
func (r *MetricsRepository) CreateOrUpdate(ctx context.Context, metrics *persistence.ExchangeMetrics) error {
	err := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "exchange_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"prompt_tokens", "completion_tokens", "total_tokens", "cost", "latency_ms",
		}),
	}).Create(metrics).Error
	if err != nil {
		return fmt.Errorf("failed to upsert metrics for exchange %s: %w", metrics.ExchangeID, err)
	}
	return nil
}

// GetAggregatedUsage sums the metrics of every completed exchange
func (r *MetricsRepository) GetAggregatedUsage(ctx context.Context) (*persistence.AggregatedUsage, error) {
	var result persistence.AggregatedUsage

	err := r.getDB(ctx).Model(&persistence.ExchangeMetrics{}).
		Select(`
			COUNT(*) as total_exchanges,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(cost), 0) as total_cost,
			COALESCE(AVG(cost), 0) as average_cost,
			COALESCE(AVG(total_tokens), 0) as average_tokens,
			COALESCE(AVG(latency_ms), 0) as average_latency_ms
		`).
		Scan(&result).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregated usage: %w", err)
	}

	return &result, nil
}

// GetUsageByModel groups completed exchange metrics by model
func (r *MetricsRepository) GetUsageByModel(ctx context.Context) ([]persistence.ModelUsage, error) {
	var rows []persistence.ModelUsage

	err := r.getDB(ctx).Table("exchange_metrics").
		Select(`
			exchanges.model as model,
			COUNT(*) as total_exchanges,
			COALESCE(SUM(exchange_metrics.total_tokens), 0) as total_tokens,
			COALESCE(SUM(exchange_metrics.cost), 0) as total_cost
		`).
		Joins("JOIN exchanges ON exchanges.id = exchange_metrics.exchange_id").
		Group("exchanges.model").
		Order("exchanges.model").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get usage by model: %w", err)
	}

	return rows, nil
}

// Delete deletes a metrics record
func (r *MetricsRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.getDB(ctx).Delete(&persistence.ExchangeMetrics{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete metrics record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("metrics record not found for deletion: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

package persistence

import (
	"context"
	"errors"
	"fmt"

	"multichat/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExchangeRepository implements persistence.ExchangeRepository
type ExchangeRepository struct {
	db *gorm.DB
}

// NewExchangeRepository creates a new exchange repository
func NewExchangeRepository(db *gorm.DB) persistence.ExchangeRepository {
	return &ExchangeRepository{db: db}
}

func (r *ExchangeRepository) getDB(ctx context.Context) *gorm.DB {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Create creates a new exchange record
func (r *ExchangeRepository) Create(ctx context.Context, entity *persistence.ExchangeRecord) error {
	if err := r.getDB(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create exchange record: %w", err)
	}
	return nil
}

// Update saves every column of an existing exchange record
func (r *ExchangeRepository) Update(ctx context.Context, entity *persistence.ExchangeRecord) error {
	if err := r.getDB(ctx).Save(entity).Error; err != nil {
		return fmt.Errorf("failed to update exchange record: %w", err)
	}
	return nil
}

// FindByID finds an exchange record by ID
func (r *ExchangeRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ExchangeRecord, error) {
	var record persistence.ExchangeRecord
	if err := r.getDB(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("exchange record not found: %w", err)
		}
		return nil, fmt.Errorf("failed to find exchange record: %w", err)
	}
	return &record, nil
}

// FindByIDWithMetrics finds an exchange record with its metrics preloaded
func (r *ExchangeRepository) FindByIDWithMetrics(ctx context.Context, id uuid.UUID) (*persistence.ExchangeRecord, error) {
	var record persistence.ExchangeRecord
	if err := r.getDB(ctx).Preload("Metrics").First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("exchange record not found: %w", err)
		}
		return nil, fmt.Errorf("failed to find exchange record with metrics: %w", err)
	}
	return &record, nil
}

// FindByConversation lists the newest exchanges of one conversation
func (r *ExchangeRepository) FindByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*persistence.ExchangeRecord, error) {
	var records []*persistence.ExchangeRecord
	query := r.getDB(ctx).Where("conversation_id = ?", conversationID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find exchanges by conversation: %w", err)
	}
	return records, nil
}

// FindRecent finds recent exchange records
func (r *ExchangeRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.ExchangeRecord, error) {
	var records []*persistence.ExchangeRecord
	query := r.getDB(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find recent exchange records: %w", err)
	}
	return records, nil
}

// UpdateStatus sets the status and error message of an exchange record
func (r *ExchangeRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status persistence.ExchangeStatus, errMsg string) error {
	result := r.getDB(ctx).Model(&persistence.ExchangeRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "error": errMsg})
	if result.Error != nil {
		return fmt.Errorf("failed to update exchange status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("exchange record not found for status update: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

// Delete deletes an exchange record
func (r *ExchangeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.getDB(ctx).Delete(&persistence.ExchangeRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete exchange record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("exchange record not found for deletion: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

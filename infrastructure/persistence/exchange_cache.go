package persistence

import (
	"context"
	"fmt"

	"multichat/domain/persistence"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedExchangeRepository serves finished exchanges from memory. Completed
// and failed records no longer change, so only those are cached; pending
// ones are always read through.
type CachedExchangeRepository struct {
	persistence.ExchangeRepository
	records *lru.Cache[uuid.UUID, persistence.ExchangeRecord]
}

// NewCachedExchangeRepository wraps repo with an LRU of size entries.
// A non-positive size returns repo unchanged.
func NewCachedExchangeRepository(repo persistence.ExchangeRepository, size int) (persistence.ExchangeRepository, error) {
	if size <= 0 {
		return repo, nil
	}
	records, err := lru.New[uuid.UUID, persistence.ExchangeRecord](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange cache: %w", err)
	}
	return &CachedExchangeRepository{ExchangeRepository: repo, records: records}, nil
}

// FindByIDWithMetrics returns a detached copy of the record
func (r *CachedExchangeRepository) FindByIDWithMetrics(ctx context.Context, id uuid.UUID) (*persistence.ExchangeRecord, error) {
	if cached, ok := r.records.Get(id); ok {
		return detach(cached), nil
	}

	record, err := r.ExchangeRepository.FindByIDWithMetrics(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != persistence.ExchangeStatusPending {
		r.records.Add(id, *detach(*record))
	}
	return record, nil
}

// UpdateStatus evicts the record before writing through
func (r *CachedExchangeRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status persistence.ExchangeStatus, errMsg string) error {
	r.records.Remove(id)
	return r.ExchangeRepository.UpdateStatus(ctx, id, status, errMsg)
}

// Update evicts the record before writing through
func (r *CachedExchangeRepository) Update(ctx context.Context, entity *persistence.ExchangeRecord) error {
	r.records.Remove(entity.ID)
	return r.ExchangeRepository.Update(ctx, entity)
}

// Delete evicts the record before deleting it
func (r *CachedExchangeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.records.Remove(id)
	return r.ExchangeRepository.Delete(ctx, id)
}

// Len reports the number of cached records
func (r *CachedExchangeRepository) Len() int {
	return r.records.Len()
}

func detach(record persistence.ExchangeRecord) *persistence.ExchangeRecord {
	if record.Metrics != nil {
		m := *record.Metrics
		record.Metrics = &m
	}
	return &record
}

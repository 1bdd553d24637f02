package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vault-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TxQueueRepository defines the interface for tracked-request queue storage.
// One record per (key, owner); the value is the serialized TrackedRequest
// array in creation order.
type TxQueueRepository interface {
	Save(ctx context.Context, owner string, entries []*models.TrackedRequest) error
	Load(ctx context.Context, owner string) ([]*models.TrackedRequest, error)
	Delete(ctx context.Context, owner string) error
	ListOwners(ctx context.Context) ([]string, error)
}

// txQueueRepository implements TxQueueRepository on GORM.
type txQueueRepository struct {
	db *gorm.DB
}

// NewTxQueueRepository creates a new TxQueueRepository instance
func NewTxQueueRepository(db *gorm.DB) TxQueueRepository {
	return &txQueueRepository{db: db}
}

func (r *txQueueRepository) Save(ctx context.Context, owner string, entries []*models.TrackedRequest) error {
	value, err := models.EncodeQueue(entries)
	if err != nil {
		return fmt.Errorf("failed to encode tx queue: %w", err)
	}

	record := &models.TxQueueRecord{
		Key:   models.QueueKey,
		Owner: strings.ToLower(owner),
		Value: string(value),
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}, {Name: "owner"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to save tx queue for %s: %w", owner, err)
	}
	return nil
}

func (r *txQueueRepository) Load(ctx context.Context, owner string) ([]*models.TrackedRequest, error) {
	var record models.TxQueueRecord
	err := r.db.WithContext(ctx).
		Where("key = ? AND owner = ?", models.QueueKey, strings.ToLower(owner)).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tx queue for %s: %w", owner, err)
	}

	entries, err := models.DecodeQueue([]byte(record.Value))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx queue for %s: %w", owner, err)
	}
	return entries, nil
}

func (r *txQueueRepository) Delete(ctx context.Context, owner string) error {
	err := r.db.WithContext(ctx).
		Where("key = ? AND owner = ?", models.QueueKey, strings.ToLower(owner)).
		Delete(&models.TxQueueRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete tx queue for %s: %w", owner, err)
	}
	return nil
}

func (r *txQueueRepository) ListOwners(ctx context.Context) ([]string, error) {
	var owners []string
	err := r.db.WithContext(ctx).
		Model(&models.TxQueueRecord{}).
		Where("key = ?", models.QueueKey).
		Pluck("owner", &owners).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tx queue owners: %w", err)
	}
	return owners, nil
}

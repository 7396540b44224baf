package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormAPIKeyRepository is the GORM implementation of APIKeyRepository.
type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository returns an APIKeyRepository backed by the provided
// *gorm.DB.
func NewAPIKeyRepository(db *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: db}
}

// Create inserts a new API key record.
func (r *gormAPIKeyRepository) Create(ctx context.Context, key *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("apikeys: create: %w", err)
	}
	return nil
}

// GetByID retrieves an API key by id. Returns ErrNotFound if no record
// exists.
func (r *gormAPIKeyRepository) GetByID(ctx context.Context, id db.ID) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("apikeys: get by id: %w", err)
	}
	return &key, nil
}

// GetByKeyHash retrieves an API key by the SHA-256 hash of its plaintext.
// This is the hot path for every API-key authenticated request; key_hash
// carries a unique index.
func (r *gormAPIKeyRepository) GetByKeyHash(ctx context.Context, hash string) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "key_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("apikeys: get by key hash: %w", err)
	}
	return &key, nil
}

// Update persists all fields of an existing API key record.
func (r *gormAPIKeyRepository) Update(ctx context.Context, key *db.APIKey) error {
	result := r.db.WithContext(ctx).Save(key)
	if result.Error != nil {
		return fmt.Errorf("apikeys: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Revoke deactivates a key and records the revocation time. Revoked keys
// fail authentication immediately but remain listed for audit.
func (r *gormAPIKeyRepository) Revoke(ctx context.Context, id db.ID) error {
	result := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":  false,
			"revoked_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("apikeys: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of API keys and the total count, ordered by
// creation time descending.
func (r *gormAPIKeyRepository) List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error) {
	var keys []db.APIKey
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("apikeys: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("apikeys: list: %w", err)
	}

	return keys, total, nil
}

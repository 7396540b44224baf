package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormSettingsRepository is the GORM implementation of SettingsRepository.
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository returns a SettingsRepository backed by the provided
// *gorm.DB.
func NewSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

// Get retrieves a single setting by its exact key.
func (r *gormSettingsRepository) Get(ctx context.Context, key string) (*db.Setting, error) {
	var s db.Setting
	err := r.db.WithContext(ctx).First(&s, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settings: get: %w", err)
	}
	return &s, nil
}

// Set upserts a setting. On conflict (key already exists) the value and
// updated_at are overwritten. This avoids a read-before-write on every save.
func (r *gormSettingsRepository) Set(ctx context.Context, key string, value db.EncryptedString) error {
	s := db.Setting{Key: key, Value: value}
	if err := r.db.WithContext(ctx).Save(&s).Error; err != nil {
		return fmt.Errorf("settings: set: %w", err)
	}
	return nil
}

// GetMany retrieves all settings whose key starts with prefix. Useful for
// loading an entire config namespace (e.g. all "smtp.*" keys).
func (r *gormSettingsRepository) GetMany(ctx context.Context, prefix string) ([]db.Setting, error) {
	var settings []db.Setting
	err := r.db.WithContext(ctx).
		Where("key LIKE ?", prefix+"%").
		Find(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("settings: get many: %w", err)
	}
	return settings, nil
}

// Delete removes a setting by key. Silently succeeds if the key is absent
// (idempotent delete is the expected contract for configuration cleanup).
func (r *gormSettingsRepository) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Delete(&db.Setting{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("settings: delete: %w", err)
	}
	return nil
}

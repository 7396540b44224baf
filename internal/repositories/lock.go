package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormLockRepository is the GORM implementation of LockRepository.
type gormLockRepository struct {
	db *gorm.DB
}

// NewLockRepository returns a LockRepository backed by the provided
// *gorm.DB.
func NewLockRepository(db *gorm.DB) LockRepository {
	return &gormLockRepository{db: db}
}

// Acquire inserts an active lock row. The partial unique index on
// (entity_type, entity_id) WHERE is_active turns a concurrent acquisition
// into an insert conflict, reported as ErrConflict. No read-then-write
// window exists.
func (r *gormLockRepository) Acquire(ctx context.Context, lock *db.EntityLock) error {
	lock.IsActive = true
	if err := r.db.WithContext(ctx).Create(lock).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("locks: acquire: %w", err)
	}
	return nil
}

// GetActive returns the active lock on an entity, or ErrNotFound if the
// entity is unlocked.
func (r *gormLockRepository) GetActive(ctx context.Context, entityType string, entityID db.ID) (*db.EntityLock, error) {
	var lock db.EntityLock
	err := r.db.WithContext(ctx).
		First(&lock, "entity_type = ? AND entity_id = ? AND is_active = ?", entityType, entityID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("locks: get active: %w", err)
	}
	return &lock, nil
}

// Release deactivates a lock. The owner id is part of the predicate so only
// the holder can release; ErrNotFound covers both a missing lock and a
// non-owner caller. An owner id of zero skips the owner check, which is
// how admin force-release works.
func (r *gormLockRepository) Release(ctx context.Context, id, ownerID db.ID) error {
	query := r.db.WithContext(ctx).
		Model(&db.EntityLock{}).
		Where("id = ? AND is_active = ?", id, true)
	if ownerID != 0 {
		query = query.Where("owner_id = ?", ownerID)
	}
	result := query.
		Updates(map[string]interface{}{
			"is_active":   false,
			"released_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("locks: release: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseExpired deactivates every active lock whose expiry has passed.
// Returns the number of locks released. Called by the maintenance sweeper.
func (r *gormLockRepository) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.EntityLock{}).
		Where("is_active = ? AND expires_at <= ?", true, now).
		Updates(map[string]interface{}{
			"is_active":   false,
			"released_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("locks: release expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListActiveByOwner returns all active locks held by one user.
func (r *gormLockRepository) ListActiveByOwner(ctx context.Context, ownerID db.ID) ([]db.EntityLock, error) {
	var locks []db.EntityLock
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Order("acquired_at ASC").
		Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("locks: list active by owner: %w", err)
	}
	return locks, nil
}

// -----------------------------------------------------------------------------
// Presence
// -----------------------------------------------------------------------------

// UpsertPresence creates or refreshes a presence heartbeat for the
// (user, entity) pair carried by presence.
func (r *gormLockRepository) UpsertPresence(ctx context.Context, presence *db.Presence) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "updated_at"}),
		}).
		Create(presence).Error
	if err != nil {
		return fmt.Errorf("locks: upsert presence: %w", err)
	}
	return nil
}

// ListPresence returns who is currently viewing an entity, restricted to
// heartbeats at or after the given time.
func (r *gormLockRepository) ListPresence(ctx context.Context, entityType string, entityID db.ID, since time.Time) ([]db.Presence, error) {
	var presences []db.Presence
	if err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND last_seen_at >= ?", entityType, entityID, since).
		Order("last_seen_at DESC").
		Find(&presences).Error; err != nil {
		return nil, fmt.Errorf("locks: list presence: %w", err)
	}
	return presences, nil
}

// DeleteStalePresence removes presence rows not refreshed since the given
// time. Returns the number of rows removed.
func (r *gormLockRepository) DeleteStalePresence(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("last_seen_at < ?", before).
		Delete(&db.Presence{})
	if result.Error != nil {
		return 0, fmt.Errorf("locks: delete stale presence: %w", result.Error)
	}
	return result.RowsAffected, nil
}

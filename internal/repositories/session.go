package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormSessionRepository is the GORM implementation of SessionRepository.
type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided
// *gorm.DB.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

// Create inserts a new refresh session record.
func (r *gormSessionRepository) Create(ctx context.Context, session *db.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

// GetByTokenHash retrieves a session by the SHA-256 hash of its refresh
// token. Returns ErrNotFound if no record exists.
func (r *gormSessionRepository) GetByTokenHash(ctx context.Context, hash string) (*db.Session, error) {
	var session db.Session
	err := r.db.WithContext(ctx).First(&session, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: get by token hash: %w", err)
	}
	return &session, nil
}

// Revoke marks a single session as revoked. Idempotent: revoking an already
// revoked session keeps the original revocation time.
func (r *gormSessionRepository) Revoke(ctx context.Context, id db.ID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", time.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("sessions: revoke: %w", result.Error)
	}
	return nil
}

// RevokeAllForUser revokes every active session belonging to a user.
// Called on logout-all and on password change.
func (r *gormSessionRepository) RevokeAllForUser(ctx context.Context, userID db.ID) error {
	err := r.db.WithContext(ctx).
		Model(&db.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("sessions: revoke all for user: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions that expired before the given time.
// Returns the number of rows removed. Called by the maintenance sweeper.
func (r *gormSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&db.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("sessions: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

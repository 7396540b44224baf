package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// Create inserts a new user record. Returns ErrConflict if the username or
// email is already taken.
func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetByID retrieves a user by id. Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByID(ctx context.Context, id db.ID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// GetByUsername retrieves a user by exact username.
func (r *gormUserRepository) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by username: %w", err)
	}
	return &user, nil
}

// GetByEmail retrieves a user by exact email address.
func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

// Update persists all fields of an existing user record.
func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a user by id.
func (r *gormUserRepository) Delete(ctx context.Context, id db.ID) error {
	result := r.db.WithContext(ctx).Delete(&db.User{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("users: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of users and the total count, ordered by
// creation time descending.
func (r *gormUserRepository) List(ctx context.Context, opts ListOptions) ([]db.User, int64, error) {
	var users []db.User
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}

	return users, total, nil
}

// ListAdmins returns all active users holding the admin role. Used by the
// notification router to fan out system events.
func (r *gormUserRepository) ListAdmins(ctx context.Context) ([]db.User, error) {
	var users []db.User
	if err := r.db.WithContext(ctx).
		Where("role_id = ? AND is_active = ?", db.RoleAdmin, true).
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("users: list admins: %w", err)
	}
	return users, nil
}

// GetQuota retrieves the GPU-time quota for a user. Returns ErrNotFound if
// the user has no quota row (which callers treat as unlimited).
func (r *gormUserRepository) GetQuota(ctx context.Context, userID db.ID) (*db.UserQuota, error) {
	var quota db.UserQuota
	err := r.db.WithContext(ctx).First(&quota, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get quota: %w", err)
	}
	return &quota, nil
}

// UpsertQuota creates or overwrites the quota row for a user.
func (r *gormUserRepository) UpsertQuota(ctx context.Context, quota *db.UserQuota) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(quota).Error
	if err != nil {
		return fmt.Errorf("users: upsert quota: %w", err)
	}
	return nil
}

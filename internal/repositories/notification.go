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

// gormNotificationRepository is the GORM implementation of
// NotificationRepository.
type gormNotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository returns a NotificationRepository backed by the
// provided *gorm.DB.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &gormNotificationRepository{db: db}
}

// Create inserts a single notification record.
func (r *gormNotificationRepository) Create(ctx context.Context, notification *db.Notification) error {
	if err := r.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("notifications: create: %w", err)
	}
	return nil
}

// BulkCreate inserts multiple notification records in one statement. The
// router fans one event out to many recipients, so batching matters here.
func (r *gormNotificationRepository) BulkCreate(ctx context.Context, notifications []db.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&notifications).Error; err != nil {
		return fmt.Errorf("notifications: bulk create: %w", err)
	}
	return nil
}

// GetByID retrieves a notification by id. Returns ErrNotFound if no record
// exists.
func (r *gormNotificationRepository) GetByID(ctx context.Context, id db.ID) (*db.Notification, error) {
	var notification db.Notification
	err := r.db.WithContext(ctx).First(&notification, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("notifications: get by id: %w", err)
	}
	return &notification, nil
}

// ListByUser returns a paginated list of a user's notifications and the
// total count, newest first. unreadOnly restricts to rows without a read
// timestamp.
func (r *gormNotificationRepository) ListByUser(ctx context.Context, userID db.ID, unreadOnly bool, opts ListOptions) ([]db.Notification, int64, error) {
	var notifications []db.Notification
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Notification{}).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list by user count: %w", err)
	}

	q = r.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&notifications).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list by user: %w", err)
	}

	return notifications, total, nil
}

// CountUnread returns the number of unread notifications for a user.
func (r *gormNotificationRepository) CountUnread(ctx context.Context, userID db.ID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("notifications: count unread: %w", err)
	}
	return count, nil
}

// MarkRead marks a single notification as read. The user id is part of the
// predicate so one user cannot mark another user's notifications.
func (r *gormNotificationRepository) MarkRead(ctx context.Context, id, userID db.ID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("id = ? AND user_id = ? AND read_at IS NULL", id, userID).
		Update("read_at", time.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("notifications: mark read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification for a user as read.
func (r *gormNotificationRepository) MarkAllRead(ctx context.Context, userID db.ID) error {
	err := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Update("read_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("notifications: mark all read: %w", err)
	}
	return nil
}

// DeleteReadOlderThan removes read notifications older than the given time.
// Returns the number of rows removed. Called by the maintenance sweeper.
func (r *gormNotificationRepository) DeleteReadOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("read_at IS NOT NULL AND created_at < ?", t).
		Delete(&db.Notification{})
	if result.Error != nil {
		return 0, fmt.Errorf("notifications: delete read older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListDigestQueue returns a user's unflushed digest-channel rows, oldest
// first. The digest sender marks them read after the summary email goes out.
func (r *gormNotificationRepository) ListDigestQueue(ctx context.Context, userID db.ID) ([]db.Notification, error) {
	var notifications []db.Notification
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND channel = ? AND read_at IS NULL", userID, db.ChannelDigest).
		Order("created_at ASC").
		Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("notifications: list digest queue: %w", err)
	}
	return notifications, nil
}

// -----------------------------------------------------------------------------
// Preferences
// -----------------------------------------------------------------------------

// GetPreference retrieves the preference row for a (user, event type) pair.
// Returns ErrNotFound if no row exists; callers fall back to the default
// rule (enabled, in-app).
func (r *gormNotificationRepository) GetPreference(ctx context.Context, userID db.ID, eventTypeID db.LookupID) (*db.NotificationPreference, error) {
	var pref db.NotificationPreference
	err := r.db.WithContext(ctx).
		First(&pref, "user_id = ? AND event_type_id = ?", userID, eventTypeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("notifications: get preference: %w", err)
	}
	return &pref, nil
}

// ListPreferencesByUser returns all preference rows for a user.
func (r *gormNotificationRepository) ListPreferencesByUser(ctx context.Context, userID db.ID) ([]db.NotificationPreference, error) {
	var prefs []db.NotificationPreference
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("event_type_id ASC").
		Find(&prefs).Error; err != nil {
		return nil, fmt.Errorf("notifications: list preferences by user: %w", err)
	}
	return prefs, nil
}

// UpsertPreference creates or overwrites the preference row for the
// (user, event type) pair carried by pref.
func (r *gormNotificationRepository) UpsertPreference(ctx context.Context, pref *db.NotificationPreference) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "event_type_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"enabled", "channels", "scope", "updated_at"}),
		}).
		Create(pref).Error
	if err != nil {
		return fmt.Errorf("notifications: upsert preference: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// GetSettings retrieves a user's global delivery switches. Returns
// ErrNotFound if the user never saved any; callers fall back to defaults
// (DND off, digest off).
func (r *gormNotificationRepository) GetSettings(ctx context.Context, userID db.ID) (*db.NotificationSetting, error) {
	var settings db.NotificationSetting
	err := r.db.WithContext(ctx).First(&settings, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("notifications: get settings: %w", err)
	}
	return &settings, nil
}

// UpsertSettings creates or overwrites a user's delivery switches.
func (r *gormNotificationRepository) UpsertSettings(ctx context.Context, settings *db.NotificationSetting) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(settings).Error
	if err != nil {
		return fmt.Errorf("notifications: upsert settings: %w", err)
	}
	return nil
}

// ListDigestEnabled returns the settings rows of every user with digest
// delivery switched on. The digest scheduler iterates these.
func (r *gormNotificationRepository) ListDigestEnabled(ctx context.Context) ([]db.NotificationSetting, error) {
	var settings []db.NotificationSetting
	if err := r.db.WithContext(ctx).
		Where("digest_enabled = ?", true).
		Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("notifications: list digest enabled: %w", err)
	}
	return settings, nil
}

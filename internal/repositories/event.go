package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormEventRepository is the GORM implementation of EventRepository.
type gormEventRepository struct {
	db *gorm.DB
}

// NewEventRepository returns an EventRepository backed by the provided
// *gorm.DB.
func NewEventRepository(db *gorm.DB) EventRepository {
	return &gormEventRepository{db: db}
}

// Create appends an event to the durable log.
func (r *gormEventRepository) Create(ctx context.Context, event *db.Event) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("events: create: %w", err)
	}
	return nil
}

// GetByID retrieves an event by id. Returns ErrNotFound if no record exists.
func (r *gormEventRepository) GetByID(ctx context.Context, id db.ID) (*db.Event, error) {
	var event db.Event
	err := r.db.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("events: get by id: %w", err)
	}
	return &event, nil
}

// applyEventFilter narrows a query by the non-zero fields of the filter.
func applyEventFilter(q *gorm.DB, filter EventFilter) *gorm.DB {
	if filter.EventTypeID != 0 {
		q = q.Where("event_type_id = ?", filter.EventTypeID)
	}
	if filter.SourceID != 0 {
		q = q.Where("source_id = ?", filter.SourceID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	return q
}

// List returns a filtered, paginated view of the event log, newest first.
func (r *gormEventRepository) List(ctx context.Context, filter EventFilter, opts ListOptions) ([]db.Event, int64, error) {
	var events []db.Event
	var total int64

	if err := applyEventFilter(r.db.WithContext(ctx).Model(&db.Event{}), filter).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("events: list count: %w", err)
	}

	if err := applyEventFilter(r.db.WithContext(ctx), filter).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("id DESC").
		Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("events: list: %w", err)
	}

	return events, total, nil
}

// ListTypes returns the full event-type catalogue.
func (r *gormEventRepository) ListTypes(ctx context.Context) ([]db.EventType, error) {
	var types []db.EventType
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&types).Error; err != nil {
		return nil, fmt.Errorf("events: list types: %w", err)
	}
	return types, nil
}

// DeleteOlderThan trims the event log to the retention window. Returns the
// number of rows removed.
func (r *gormEventRepository) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", t).
		Delete(&db.Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("events: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

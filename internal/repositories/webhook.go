package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormWebhookRepository is the GORM implementation of WebhookRepository.
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided
// *gorm.DB.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: db}
}

// Create inserts a new webhook subscription.
func (r *gormWebhookRepository) Create(ctx context.Context, webhook *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(webhook).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

// GetByID retrieves a webhook by id. Returns ErrNotFound if no record
// exists.
func (r *gormWebhookRepository) GetByID(ctx context.Context, id db.ID) (*db.Webhook, error) {
	var webhook db.Webhook
	err := r.db.WithContext(ctx).First(&webhook, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &webhook, nil
}

// Update persists all fields of an existing webhook record.
func (r *gormWebhookRepository) Update(ctx context.Context, webhook *db.Webhook) error {
	result := r.db.WithContext(ctx).Save(webhook)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a webhook by id. Pending deliveries for the webhook
// stay in the queue until the dispatcher notices the subscription is gone.
func (r *gormWebhookRepository) Delete(ctx context.Context, id db.ID) error {
	result := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of webhooks and the total count, ordered by
// creation time descending.
func (r *gormWebhookRepository) List(ctx context.Context, opts ListOptions) ([]db.Webhook, int64, error) {
	var webhooks []db.Webhook
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Webhook{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&webhooks).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list: %w", err)
	}

	return webhooks, total, nil
}

// ListEnabledForEventType returns enabled webhooks subscribed to the given
// event type. EventTypes is a JSON array of names; matching on the quoted
// name keeps "job.failed" from matching "job.failed_retry" while staying
// portable across both drivers. An empty subscription list means all types.
func (r *gormWebhookRepository) ListEnabledForEventType(ctx context.Context, eventTypeName string) ([]db.Webhook, error) {
	var webhooks []db.Webhook
	if err := r.db.WithContext(ctx).
		Where("is_enabled = ?", true).
		Where("event_types LIKE ? OR event_types = '[]'", `%"`+eventTypeName+`"%`).
		Find(&webhooks).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list enabled for event type: %w", err)
	}
	return webhooks, nil
}

// RecordTrigger stamps the last successful delivery time and clears the
// consecutive failure counter.
func (r *gormWebhookRepository) RecordTrigger(ctx context.Context, id db.ID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.Webhook{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_triggered_at": at,
			"failure_count":     0,
		}).Error
	if err != nil {
		return fmt.Errorf("webhooks: record trigger: %w", err)
	}
	return nil
}

// IncrementFailureCount bumps the consecutive failure counter after a
// delivery exhausts its attempts.
func (r *gormWebhookRepository) IncrementFailureCount(ctx context.Context, id db.ID) error {
	err := r.db.WithContext(ctx).
		Model(&db.Webhook{}).
		Where("id = ?", id).
		Update("failure_count", gorm.Expr("failure_count + 1")).Error
	if err != nil {
		return fmt.Errorf("webhooks: increment failure count: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Deliveries
// -----------------------------------------------------------------------------

// CreateDelivery enqueues one outbound POST.
func (r *gormWebhookRepository) CreateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("webhooks: create delivery: %w", err)
	}
	return nil
}

// GetDeliveryByID retrieves a delivery by id. Returns ErrNotFound if no
// record exists.
func (r *gormWebhookRepository) GetDeliveryByID(ctx context.Context, id db.ID) (*db.WebhookDelivery, error) {
	var delivery db.WebhookDelivery
	err := r.db.WithContext(ctx).First(&delivery, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get delivery by id: %w", err)
	}
	return &delivery, nil
}

// UpdateDelivery persists all fields of an existing delivery record.
func (r *gormWebhookRepository) UpdateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error {
	result := r.db.WithContext(ctx).Save(delivery)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update delivery: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDeliveriesByWebhook returns a paginated delivery history for one
// webhook, newest first.
func (r *gormWebhookRepository) ListDeliveriesByWebhook(ctx context.Context, webhookID db.ID, opts ListOptions) ([]db.WebhookDelivery, int64, error) {
	var deliveries []db.WebhookDelivery
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.WebhookDelivery{}).
		Where("webhook_id = ?", webhookID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list deliveries count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&deliveries).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list deliveries: %w", err)
	}

	return deliveries, total, nil
}

// ListDueDeliveries returns queued deliveries ready to attempt: pending
// rows, plus retrying rows whose backoff has elapsed. Oldest first so the
// queue drains in order.
func (r *gormWebhookRepository) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]db.WebhookDelivery, error) {
	var deliveries []db.WebhookDelivery
	if err := r.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND next_retry_at <= ?)",
			db.DeliveryPending, db.DeliveryRetrying, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&deliveries).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list due deliveries: %w", err)
	}
	return deliveries, nil
}

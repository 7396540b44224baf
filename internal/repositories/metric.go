package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormMetricRepository is the GORM implementation of MetricRepository.
type gormMetricRepository struct {
	db *gorm.DB
}

// NewMetricRepository returns a MetricRepository backed by the provided
// *gorm.DB.
func NewMetricRepository(db *gorm.DB) MetricRepository {
	return &gormMetricRepository{db: db}
}

// CreateQueueMetric appends one scheduler-tick snapshot of queue depth.
func (r *gormMetricRepository) CreateQueueMetric(ctx context.Context, metric *db.QueueMetric) error {
	if err := r.db.WithContext(ctx).Create(metric).Error; err != nil {
		return fmt.Errorf("metrics: create queue metric: %w", err)
	}
	return nil
}

// ListQueueMetricsSince returns snapshots taken at or after the given time,
// oldest first, for charting queue depth over time.
func (r *gormMetricRepository) ListQueueMetricsSince(ctx context.Context, t time.Time) ([]db.QueueMetric, error) {
	var metrics []db.QueueMetric
	if err := r.db.WithContext(ctx).
		Where("created_at >= ?", t).
		Order("created_at ASC").
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("metrics: list queue metrics since: %w", err)
	}
	return metrics, nil
}

// DeleteQueueMetricsOlderThan trims snapshots outside the retention window.
// Returns the number of rows removed.
func (r *gormMetricRepository) DeleteQueueMetricsOlderThan(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", t).
		Delete(&db.QueueMetric{})
	if result.Error != nil {
		return 0, fmt.Errorf("metrics: delete queue metrics older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// gormWorkerRepository is the GORM implementation of WorkerRepository.
type gormWorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository returns a WorkerRepository backed by the provided
// *gorm.DB.
func NewWorkerRepository(db *gorm.DB) WorkerRepository {
	return &gormWorkerRepository{db: db}
}

// Create inserts a new worker record. Returns ErrConflict if the name is
// already registered.
func (r *gormWorkerRepository) Create(ctx context.Context, worker *db.Worker) error {
	if err := r.db.WithContext(ctx).Create(worker).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("workers: create: %w", err)
	}
	return nil
}

// GetByID retrieves a worker by id. Returns ErrNotFound if no record exists.
func (r *gormWorkerRepository) GetByID(ctx context.Context, id db.ID) (*db.Worker, error) {
	var worker db.Worker
	err := r.db.WithContext(ctx).First(&worker, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get by id: %w", err)
	}
	return &worker, nil
}

// GetByName retrieves a worker by its unique name.
func (r *gormWorkerRepository) GetByName(ctx context.Context, name string) (*db.Worker, error) {
	var worker db.Worker
	err := r.db.WithContext(ctx).First(&worker, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workers: get by name: %w", err)
	}
	return &worker, nil
}

// Update persists all fields of an existing worker record.
func (r *gormWorkerRepository) Update(ctx context.Context, worker *db.Worker) error {
	result := r.db.WithContext(ctx).Save(worker)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("workers: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLoad updates only the load indicators refreshed from heartbeats and
// status frames, avoiding a full Save that could race with admin edits.
func (r *gormWorkerRepository) UpdateLoad(ctx context.Context, id db.ID, gpuPercent float64, activeJobs, queueDepth int, heartbeatAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Worker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"gpu_percent":       gpuPercent,
			"active_jobs":       activeJobs,
			"queue_depth":       queueDepth,
			"last_heartbeat_at": heartbeatAt,
		})
	if result.Error != nil {
		return fmt.Errorf("workers: update load: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only a worker's status field.
func (r *gormWorkerRepository) UpdateStatus(ctx context.Context, id db.ID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Worker{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("workers: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a worker by id.
func (r *gormWorkerRepository) Delete(ctx context.Context, id db.ID) error {
	result := r.db.WithContext(ctx).Delete(&db.Worker{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("workers: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of workers and the total count, ordered by
// name ascending so the fleet view is stable across refreshes.
func (r *gormWorkerRepository) List(ctx context.Context, opts ListOptions) ([]db.Worker, int64, error) {
	var workers []db.Worker
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Worker{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("workers: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&workers).Error; err != nil {
		return nil, 0, fmt.Errorf("workers: list: %w", err)
	}

	return workers, total, nil
}

// ListByStatus returns all workers in the given status, ordered by id
// ascending. The scheduler lists online workers every tick.
func (r *gormWorkerRepository) ListByStatus(ctx context.Context, status string) ([]db.Worker, error) {
	var workers []db.Worker
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Find(&workers).Error; err != nil {
		return nil, fmt.Errorf("workers: list by status: %w", err)
	}
	return workers, nil
}

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

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by id. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id db.ID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// applyJobFilter narrows a query by the non-zero fields of the filter.
func applyJobFilter(q *gorm.DB, filter JobFilter) *gorm.DB {
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.WorkerID != 0 {
		q = q.Where("worker_id = ?", filter.WorkerID)
	}
	if filter.Status != 0 {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	return q
}

// List returns a filtered, paginated list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, filter JobFilter, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := applyJobFilter(r.db.WithContext(ctx).Model(&db.Job{}), filter).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := applyJobFilter(r.db.WithContext(ctx), filter).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// Transition atomically loads the job under a row lock, applies fn and
// persists the result together with the audit row fn returns. The row lock
// serialises concurrent transitions on the same job so the validation in fn
// always sees the current status.
//
// SQLite has no SELECT ... FOR UPDATE; the connection pool is capped at a
// single connection there, which serialises writers at the driver level
// instead.
func (r *gormJobRepository) Transition(ctx context.Context, id db.ID, fn func(job *db.Job) (*db.JobTransition, error)) (*db.Job, error) {
	var job db.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: transition load: %w", err)
		}

		transition, err := fn(&job)
		if err != nil {
			return err
		}

		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("jobs: transition save: %w", err)
		}
		if transition != nil {
			if err := tx.Create(transition).Error; err != nil {
				return fmt.Errorf("jobs: transition audit: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListTransitions returns the full audit trail for a job, oldest first.
func (r *gormJobRepository) ListTransitions(ctx context.Context, jobID db.ID) ([]db.JobTransition, error) {
	var transitions []db.JobTransition
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&transitions).Error; err != nil {
		return nil, fmt.Errorf("jobs: list transitions: %w", err)
	}
	return transitions, nil
}

// ListDueScheduled returns scheduled jobs whose start time has arrived,
// oldest start time first.
func (r *gormJobRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_start_at IS NOT NULL AND scheduled_start_at <= ?", db.StatusScheduled, now).
		Order("scheduled_start_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list due scheduled: %w", err)
	}
	return jobs, nil
}

// ListPendingForDispatch returns pending jobs in dispatch order: priority
// descending, then submission time ascending. The composite index
// idx_jobs_dispatch covers this scan.
func (r *gormJobRepository) ListPendingForDispatch(ctx context.Context, limit int) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ?", db.StatusPending).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list pending for dispatch: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns a count of non-deleted jobs per status. Statuses
// with no jobs are absent from the map.
func (r *gormJobRepository) CountByStatus(ctx context.Context) (map[db.JobStatus]int, error) {
	type row struct {
		Status db.JobStatus
		N      int
	}
	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("jobs: count by status: %w", err)
	}

	counts := make(map[db.JobStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// GPUSecondsUsed sums the recorded duration of a user's jobs that ended at
// or after the given time. Quota enforcement derives usage from this rather
// than maintaining a counter.
func (r *gormJobRepository) GPUSecondsUsed(ctx context.Context, userID db.ID, since time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Select("COALESCE(SUM(duration_secs), 0)").
		Where("user_id = ? AND ended_at >= ?", userID, since).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: gpu seconds used: %w", err)
	}
	return total, nil
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

// CreateExecution inserts a new execution record. One row per dispatch
// attempt; the prompt id is unique across the fleet.
func (r *gormJobRepository) CreateExecution(ctx context.Context, exec *db.Execution) error {
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: create execution: %w", err)
	}
	return nil
}

// GetExecutionByPromptID maps a worker-assigned prompt id back to the
// internal execution. The bridge calls this for every progress frame.
func (r *gormJobRepository) GetExecutionByPromptID(ctx context.Context, promptID string) (*db.Execution, error) {
	var exec db.Execution
	err := r.db.WithContext(ctx).First(&exec, "prompt_id = ?", promptID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get execution by prompt id: %w", err)
	}
	return &exec, nil
}

// UpdateExecution persists all fields of an existing execution record.
func (r *gormJobRepository) UpdateExecution(ctx context.Context, exec *db.Execution) error {
	result := r.db.WithContext(ctx).Save(exec)
	if result.Error != nil {
		return fmt.Errorf("jobs: update execution: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveExecutionsByWorker returns executions on a worker that have not
// ended. The bridge fails these jobs when the worker connection drops.
func (r *gormJobRepository) ListActiveExecutionsByWorker(ctx context.Context, workerID db.ID) ([]db.Execution, error) {
	var execs []db.Execution
	if err := r.db.WithContext(ctx).
		Where("worker_id = ? AND ended_at IS NULL", workerID).
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list active executions by worker: %w", err)
	}
	return execs, nil
}

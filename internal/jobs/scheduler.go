package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/metrics"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

const (
	// defaultTickInterval is the scheduler polling interval when config
	// does not override it. The wake channel makes submissions near
	// instantaneous regardless.
	defaultTickInterval = 5 * time.Second

	// maxJobsForScoring normalises a worker's active job count into [0, 1]
	// for the load score.
	maxJobsForScoring = 8

	// dispatchBatchSize caps how many pending jobs one tick considers.
	dispatchBatchSize = 50
)

// Quota enforcement modes.
const (
	QuotaModeSoft = "soft"
	QuotaModeHard = "hard"
)

// Dispatcher is the bridge surface the scheduler hands jobs to. Submit
// must deliver the job's params to the worker and record the execution
// mapping; an error means the worker never accepted the work.
type Dispatcher interface {
	Dispatch(ctx context.Context, worker *db.Worker, job *db.Job) error
}

// Scheduler is the single background task that promotes scheduled jobs,
// sweeps expired locks, and assigns pending jobs to online workers by
// priority, tag match, load and quota.
type Scheduler struct {
	jobs    repositories.JobRepository
	workers repositories.WorkerRepository
	users   repositories.UserRepository
	locks   repositories.LockRepository
	metrics repositories.MetricRepository
	svc     *Service
	bridge  Dispatcher
	bus     *events.Bus
	log     *zap.Logger

	interval  time.Duration
	quotaMode string
}

// NewScheduler wires a Scheduler. interval <= 0 falls back to the default
// tick; quotaMode must be QuotaModeSoft or QuotaModeHard (anything else is
// treated as soft).
func NewScheduler(
	jobs repositories.JobRepository,
	workers repositories.WorkerRepository,
	users repositories.UserRepository,
	locks repositories.LockRepository,
	metrics repositories.MetricRepository,
	svc *Service,
	bridge Dispatcher,
	bus *events.Bus,
	interval time.Duration,
	quotaMode string,
	log *zap.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if quotaMode != QuotaModeHard {
		quotaMode = QuotaModeSoft
	}
	return &Scheduler{
		jobs:      jobs,
		workers:   workers,
		users:     users,
		locks:     locks,
		metrics:   metrics,
		svc:       svc,
		bridge:    bridge,
		bus:       bus,
		log:       log.Named("scheduler"),
		interval:  interval,
		quotaMode: quotaMode,
	}
}

// Run executes the scheduler loop until ctx is cancelled. It wakes on the
// tick interval and immediately on job submission.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", s.interval), zap.String("quota_mode", s.quotaMode))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		case <-s.svc.Wake():
		}
		s.Tick(ctx)
	}
}

// Tick runs one scheduling pass. Exported so tests can drive the scheduler
// without the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.promoteDueScheduled(ctx, now)
	s.sweepLocks(ctx, now)
	s.dispatchPending(ctx)
	s.recordQueueDepth(ctx)
}

// promoteDueScheduled moves Scheduled jobs whose start time has arrived
// into the Pending queue.
func (s *Scheduler) promoteDueScheduled(ctx context.Context, now time.Time) {
	due, err := s.jobs.ListDueScheduled(ctx, now)
	if err != nil {
		s.log.Error("failed to list due scheduled jobs", zap.Error(err))
		return
	}
	for _, job := range due {
		if _, err := s.svc.TransitionState(ctx, job.ID, db.StatusPending, nil, "scheduled start time reached", nil); err != nil {
			s.log.Error("failed to promote scheduled job",
				zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}
}

// sweepLocks releases expired collaborative locks and reaps presence rows
// stale for more than two minutes.
func (s *Scheduler) sweepLocks(ctx context.Context, now time.Time) {
	if n, err := s.locks.ReleaseExpired(ctx, now); err != nil {
		s.log.Error("failed to release expired locks", zap.Error(err))
	} else if n > 0 {
		s.log.Debug("released expired locks", zap.Int64("count", n))
	}

	if _, err := s.locks.DeleteStalePresence(ctx, now.Add(-2*time.Minute)); err != nil {
		s.log.Error("failed to reap stale presence", zap.Error(err))
	}
}

// dispatchPending assigns pending jobs to workers in priority order.
func (s *Scheduler) dispatchPending(ctx context.Context) {
	pending, err := s.jobs.ListPendingForDispatch(ctx, dispatchBatchSize)
	if err != nil {
		s.log.Error("failed to list pending jobs", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	online, err := s.workers.ListByStatus(ctx, db.WorkerOnline)
	if err != nil {
		s.log.Error("failed to list online workers", zap.Error(err))
		return
	}
	if len(online) == 0 {
		return
	}

	// Mutable snapshot: assignments made this tick bump the local active
	// job counts so one tick does not pile everything on one idle worker.
	snapshot := make([]*db.Worker, len(online))
	for i := range online {
		snapshot[i] = &online[i]
	}

	quotaChecked := make(map[db.ID]bool)
	quotaBlocked := make(map[db.ID]bool)

	for i := range pending {
		job := &pending[i]

		if s.quotaBlocks(ctx, job, quotaChecked, quotaBlocked) {
			continue
		}

		worker := pickWorker(snapshot, job)
		if worker == nil {
			continue
		}

		if err := s.assign(ctx, job, worker); err != nil {
			s.log.Error("dispatch failed",
				zap.Int64("job_id", job.ID),
				zap.Int64("worker_id", worker.ID),
				zap.Error(err))
			continue
		}
		worker.ActiveJobs++
	}
}

// quotaBlocks evaluates the submitter's GPU-time allowance once per user
// per tick. In soft mode an exceeded quota only logs and publishes
// system.quota_exceeded; in hard mode the job is skipped.
func (s *Scheduler) quotaBlocks(ctx context.Context, job *db.Job, checked, blocked map[db.ID]bool) bool {
	if checked[job.UserID] {
		return s.quotaMode == QuotaModeHard && blocked[job.UserID]
	}
	checked[job.UserID] = true

	quota, err := s.users.GetQuota(ctx, job.UserID)
	if err != nil {
		// No quota row means unlimited.
		return false
	}

	now := time.Now().UTC()
	exceeded := false

	if quota.DailyGPUSecs > 0 {
		used, err := s.jobs.GPUSecondsUsed(ctx, job.UserID, now.Add(-24*time.Hour))
		if err == nil && used >= quota.DailyGPUSecs {
			exceeded = true
		}
	}
	if !exceeded && quota.WeeklyGPUSecs > 0 {
		used, err := s.jobs.GPUSecondsUsed(ctx, job.UserID, now.Add(-7*24*time.Hour))
		if err == nil && used >= quota.WeeklyGPUSecs {
			exceeded = true
		}
	}

	if !exceeded {
		return false
	}
	blocked[job.UserID] = true

	payload, _ := json.Marshal(map[string]interface{}{
		"user_id": job.UserID,
		"mode":    s.quotaMode,
	})
	if _, err := s.bus.Publish(ctx, events.SystemQuotaExceeded, "user", job.UserID, nil, string(payload)); err != nil {
		s.log.Error("failed to publish quota event", zap.Error(err))
	}

	if s.quotaMode == QuotaModeHard {
		s.log.Info("job held back by quota", zap.Int64("job_id", job.ID), zap.Int64("user_id", job.UserID))
		return true
	}
	s.log.Warn("quota exceeded, dispatching anyway (soft mode)",
		zap.Int64("job_id", job.ID), zap.Int64("user_id", job.UserID))
	return false
}

// assign transitions the job to Dispatched with the worker recorded, then
// hands it to the bridge. A bridge submission failure moves the job to
// Failed so it does not sit Dispatched forever.
func (s *Scheduler) assign(ctx context.Context, job *db.Job, worker *db.Worker) error {
	dispatched, err := s.svc.TransitionState(ctx, job.ID, db.StatusDispatched, nil,
		fmt.Sprintf("assigned to worker %s", worker.Name),
		func(j *db.Job) {
			j.WorkerID = &worker.ID
			j.AttemptCount++
		})
	if err != nil {
		return err
	}

	if err := s.bridge.Dispatch(ctx, worker, dispatched); err != nil {
		metrics.Dispatch("failed")
		if _, ferr := s.svc.TransitionState(ctx, job.ID, db.StatusFailed, nil,
			"worker submission failed", func(j *db.Job) {
				j.Error = err.Error()
			}); ferr != nil {
			s.log.Error("failed to fail undispatchable job", zap.Int64("job_id", job.ID), zap.Error(ferr))
		}
		return err
	}
	metrics.Dispatch("assigned")
	return nil
}

// recordQueueDepth persists one queue-depth snapshot for the metrics
// retention window.
func (s *Scheduler) recordQueueDepth(ctx context.Context) {
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		s.log.Error("failed to count jobs by status", zap.Error(err))
		return
	}
	metrics.SetQueueDepth(counts[db.StatusPending], counts[db.StatusRunning], counts[db.StatusScheduled])
	metric := &db.QueueMetric{
		QueuedCount:    counts[db.StatusPending],
		RunningCount:   counts[db.StatusRunning],
		ScheduledCount: counts[db.StatusScheduled],
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.metrics.CreateQueueMetric(ctx, metric); err != nil {
		s.log.Error("failed to record queue metric", zap.Error(err))
	}
}

// LoadScore is the composite load of a worker in [0, 1]: 60% GPU
// utilisation, 40% active job count normalised by maxJobsForScoring. Both
// terms clamp, so the score is monotonic non-decreasing in each argument.
func LoadScore(gpuPercent float64, activeJobs int) float64 {
	gpu := gpuPercent / 100
	if gpu < 0 {
		gpu = 0
	} else if gpu > 1 {
		gpu = 1
	}

	jobs := float64(activeJobs) / maxJobsForScoring
	if jobs < 0 {
		jobs = 0
	} else if jobs > 1 {
		jobs = 1
	}

	return 0.6*gpu + 0.4*jobs
}

// pickWorker selects the best worker for a job: tag superset match first,
// then lowest load score, then most recent heartbeat, then lowest id so
// selection is deterministic. Returns nil when no worker satisfies the
// job's tags.
func pickWorker(workers []*db.Worker, job *db.Job) *db.Worker {
	required := parseTags(job.Tags)

	var best *db.Worker
	var bestScore float64

	for _, w := range workers {
		if !hasAllTags(parseTags(w.Tags), required) {
			continue
		}
		score := LoadScore(w.GPUPercent, w.ActiveJobs)
		if best == nil || score < bestScore || (score == bestScore && betterTieBreak(w, best)) {
			best = w
			bestScore = score
		}
	}
	return best
}

// betterTieBreak prefers the worker with the most recent heartbeat, then
// the lower id.
func betterTieBreak(candidate, current *db.Worker) bool {
	ch, ih := candidate.LastHeartbeatAt, current.LastHeartbeatAt
	switch {
	case ch != nil && ih == nil:
		return true
	case ch == nil && ih != nil:
		return false
	case ch != nil && ih != nil && !ch.Equal(*ih):
		return ch.After(*ih)
	}
	return candidate.ID < current.ID
}

// parseTags decodes a JSON tag array; malformed input yields no tags.
func parseTags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// hasAllTags reports whether have is a superset of want.
func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

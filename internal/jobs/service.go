package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/metrics"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// ErrNotRetryable is returned by Retry when the source job is not Failed.
var ErrNotRetryable = errors.New("jobs: only failed jobs can be retried")

// statusEvents maps each status to the event published when a job enters
// it.
var statusEvents = map[db.JobStatus]string{
	db.StatusScheduled:  events.JobScheduled,
	db.StatusPending:    events.JobPending,
	db.StatusDispatched: events.JobDispatched,
	db.StatusRunning:    events.JobRunning,
	db.StatusCompleted:  events.JobCompleted,
	db.StatusFailed:     events.JobFailed,
	db.StatusCancelled:  events.JobCancelled,
	db.StatusPaused:     events.JobPaused,
	db.StatusRetrying:   events.JobRetrying,
}

// WorkerSignaler is the bridge surface the lifecycle engine needs:
// best-effort cancel and pause signals to the worker currently running a
// job. Implementations must not block on worker responsiveness.
type WorkerSignaler interface {
	SignalCancel(ctx context.Context, workerID db.ID, jobID db.ID)
	SignalInterrupt(ctx context.Context, workerID db.ID, jobID db.ID)
}

// Service implements the job lifecycle operations. All status changes go
// through TransitionState so the audit trail and event stream stay
// complete.
type Service struct {
	jobs    repositories.JobRepository
	bus     *events.Bus
	workers WorkerSignaler
	log     *zap.Logger
	wake    chan struct{}
}

// NewService creates a job lifecycle Service. workers may be nil in tests
// that never cancel or pause running jobs.
func NewService(jobs repositories.JobRepository, bus *events.Bus, workers WorkerSignaler, log *zap.Logger) *Service {
	return &Service{
		jobs:    jobs,
		bus:     bus,
		workers: workers,
		log:     log.Named("jobs"),
		wake:    make(chan struct{}, 1),
	}
}

// BindWorkers attaches the worker signaler after construction. The
// lifecycle engine and the bridge hold references to each other; the
// bridge is built second and bound here, before any traffic flows.
func (s *Service) BindWorkers(workers WorkerSignaler) {
	s.workers = workers
}

// Wake returns the channel the scheduler selects on to wake immediately
// after a submission instead of waiting out its tick interval.
func (s *Service) Wake() <-chan struct{} {
	return s.wake
}

// poke wakes the scheduler without blocking; a pending wakeup is enough.
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SubmitRequest carries the attributes of a new job.
type SubmitRequest struct {
	UserID           db.ID
	Kind             string
	Priority         int
	Tags             []string
	Params           string // JSON object
	ScheduledStartAt *time.Time
}

// Submit creates a job in Pending, or Scheduled when a future start time
// is supplied, publishes the matching event and wakes the scheduler.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*db.Job, error) {
	status := db.StatusPending
	if req.ScheduledStartAt != nil && req.ScheduledStartAt.After(time.Now()) {
		status = db.StatusScheduled
	}

	tags := "[]"
	if len(req.Tags) > 0 {
		raw, err := json.Marshal(req.Tags)
		if err != nil {
			return nil, fmt.Errorf("jobs: encoding tags: %w", err)
		}
		tags = string(raw)
	}
	params := req.Params
	if params == "" {
		params = "{}"
	}

	job := &db.Job{
		UserID:           req.UserID,
		Kind:             req.Kind,
		Priority:         req.Priority,
		Status:           status,
		Tags:             tags,
		Params:           params,
		ScheduledStartAt: req.ScheduledStartAt,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	s.publishStatus(ctx, job, &req.UserID)
	s.poke()
	return job, nil
}

// Get retrieves a job by id.
func (s *Service) Get(ctx context.Context, id db.ID) (*db.Job, error) {
	return s.jobs.GetByID(ctx, id)
}

// List returns a filtered, paginated job listing.
func (s *Service) List(ctx context.Context, filter repositories.JobFilter, opts repositories.ListOptions) ([]db.Job, int64, error) {
	return s.jobs.List(ctx, filter, opts)
}

// ListTransitions returns the audit trail for a job, oldest first.
func (s *Service) ListTransitions(ctx context.Context, jobID db.ID) ([]db.JobTransition, error) {
	if _, err := s.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return s.jobs.ListTransitions(ctx, jobID)
}

// TransitionState atomically moves a job to a new status: the row is
// locked, the edge validated, timestamps and assignment updated, an audit
// row appended, and on commit the matching job.<status> event published.
// mutate, if non-nil, runs inside the transaction after validation to set
// operation-specific fields (result, error, worker assignment).
func (s *Service) TransitionState(ctx context.Context, jobID db.ID, to db.JobStatus, actorID *db.ID, reason string, mutate func(job *db.Job)) (*db.Job, error) {
	job, err := s.jobs.Transition(ctx, jobID, func(job *db.Job) (*db.JobTransition, error) {
		if err := ValidateTransition(job.Status, to); err != nil {
			return nil, err
		}

		from := job.Status
		job.Status = to
		now := time.Now().UTC()

		switch {
		case to == db.StatusRunning:
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
		case IsTerminal(to):
			job.EndedAt = &now
			if job.StartedAt != nil {
				job.DurationSecs = int64(now.Sub(*job.StartedAt) / time.Second)
			}
			// A terminal job never runs again; drop the assignment so the
			// worker's slot frees up in the fleet view.
			job.WorkerID = nil
		case to == db.StatusPending || to == db.StatusPaused:
			job.WorkerID = nil
		}

		if mutate != nil {
			mutate(job)
		}

		return &db.JobTransition{
			JobID:      job.ID,
			FromStatus: from,
			ToStatus:   to,
			ActorID:    actorID,
			Reason:     reason,
			CreatedAt:  now,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.publishStatus(ctx, job, actorID)
	return job, nil
}

// Cancel transitions a job to Cancelled and, when a worker is assigned,
// sends it a best-effort abort. The database transition completes first so
// the user's view is immediately consistent regardless of worker health.
func (s *Service) Cancel(ctx context.Context, jobID db.ID, actorID *db.ID, reason string) (*db.Job, error) {
	before, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	assignedWorker := before.WorkerID

	job, err := s.TransitionState(ctx, jobID, db.StatusCancelled, actorID, reason, nil)
	if err != nil {
		return nil, err
	}

	if assignedWorker != nil && s.workers != nil {
		s.workers.SignalCancel(ctx, *assignedWorker, job.ID)
	}
	return job, nil
}

// Pause transitions a job to Paused. Pausing a running job additionally
// signals the worker to interrupt, best-effort. The worker assignment is
// read before the transition; the signal going to a worker that just
// finished the job is harmless.
func (s *Service) Pause(ctx context.Context, jobID db.ID, actorID *db.ID) (*db.Job, error) {
	before, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	wasRunningOn := before.WorkerID
	if before.Status != db.StatusRunning {
		wasRunningOn = nil
	}

	job, err := s.TransitionState(ctx, jobID, db.StatusPaused, actorID, "paused by user", nil)
	if err != nil {
		return nil, err
	}

	if wasRunningOn != nil && s.workers != nil {
		s.workers.SignalInterrupt(ctx, *wasRunningOn, job.ID)
	}
	return job, nil
}

// Resume moves a paused job back to Pending for re-dispatch and wakes the
// scheduler.
func (s *Service) Resume(ctx context.Context, jobID db.ID, actorID *db.ID) (*db.Job, error) {
	job, err := s.TransitionState(ctx, jobID, db.StatusPending, actorID, "resumed by user", nil)
	if err != nil {
		return nil, err
	}
	s.poke()
	return job, nil
}

// Retry submits a new job derived from a failed one. The source must be
// Failed; the new row copies kind, priority, tags and params, links back
// via retry_of, and enters the queue through the Retrying → Pending edge.
func (s *Service) Retry(ctx context.Context, sourceID db.ID, actorID *db.ID) (*db.Job, error) {
	source, err := s.jobs.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.Status != db.StatusFailed {
		return nil, ErrNotRetryable
	}

	retry := &db.Job{
		UserID:       source.UserID,
		Kind:         source.Kind,
		Priority:     source.Priority,
		Status:       db.StatusRetrying,
		Tags:         source.Tags,
		Params:       source.Params,
		AttemptCount: source.AttemptCount + 1,
		RetryOfID:    &source.ID,
	}
	if err := s.jobs.Create(ctx, retry); err != nil {
		return nil, err
	}
	s.publishStatus(ctx, retry, actorID)

	return s.TransitionState(ctx, retry.ID, db.StatusPending, actorID,
		fmt.Sprintf("retry of job %d", source.ID), nil)
}

// QueueView is the read-only queue summary.
type QueueView struct {
	Queued            int      `json:"queued"`
	Running           int      `json:"running"`
	Scheduled         int      `json:"scheduled"`
	Jobs              []db.Job `json:"jobs"`
	EstimatedWaitSecs int64    `json:"estimated_wait_secs"`
}

// Queue returns queue counts, the ordered pending list, and an estimated
// wait of queued * avg_duration / max(running, 1), where avg_duration is
// taken over recently completed jobs (default 60s with no history).
func (s *Service) Queue(ctx context.Context) (*QueueView, error) {
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := s.jobs.ListPendingForDispatch(ctx, 100)
	if err != nil {
		return nil, err
	}

	avg := s.averageDurationSecs(ctx)
	queued := counts[db.StatusPending]
	running := counts[db.StatusRunning]
	divisor := running
	if divisor < 1 {
		divisor = 1
	}

	return &QueueView{
		Queued:            queued,
		Running:           running,
		Scheduled:         counts[db.StatusScheduled],
		Jobs:              pending,
		EstimatedWaitSecs: int64(queued) * avg / int64(divisor),
	}, nil
}

// averageDurationSecs samples recently completed jobs. Errors and an empty
// sample fall back to one minute; the estimate is advisory.
func (s *Service) averageDurationSecs(ctx context.Context) int64 {
	completed, _, err := s.jobs.List(ctx,
		repositories.JobFilter{Status: db.StatusCompleted},
		repositories.ListOptions{Limit: 50})
	if err != nil || len(completed) == 0 {
		return 60
	}
	var total int64
	for _, j := range completed {
		total += j.DurationSecs
	}
	return total / int64(len(completed))
}

// publishStatus emits job.<status> for the job's current state. Publish
// failures are logged, not propagated: the state change has already
// committed and must not be rolled back by an observability failure.
func (s *Service) publishStatus(ctx context.Context, job *db.Job, actorID *db.ID) {
	eventType, ok := statusEvents[job.Status]
	if !ok {
		return
	}
	metrics.JobTransition(StatusName(job.Status))

	payload, err := json.Marshal(map[string]interface{}{
		"job_id":   job.ID,
		"user_id":  job.UserID,
		"kind":     job.Kind,
		"status":   StatusName(job.Status),
		"priority": job.Priority,
		"error":    job.Error,
	})
	if err != nil {
		s.log.Error("failed to encode job event payload", zap.Error(err))
		return
	}

	if _, err := s.bus.Publish(ctx, eventType, "job", job.ID, actorID, string(payload)); err != nil {
		s.log.Error("failed to publish job event",
			zap.String("event_type", eventType),
			zap.Int64("job_id", job.ID),
			zap.Error(err))
	}
}

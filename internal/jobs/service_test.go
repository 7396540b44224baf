package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

type recordingSignaler struct {
	cancels    []db.ID
	interrupts []db.ID
}

func (r *recordingSignaler) SignalCancel(_ context.Context, _ db.ID, jobID db.ID) {
	r.cancels = append(r.cancels, jobID)
}

func (r *recordingSignaler) SignalInterrupt(_ context.Context, _ db.ID, jobID db.ID) {
	r.interrupts = append(r.interrupts, jobID)
}

func newTestService(t *testing.T) (*Service, *recordingSignaler, repositories.JobRepository) {
	t.Helper()
	database := openTestDB(t)
	jobRepo := repositories.NewJobRepository(database)
	eventRepo := repositories.NewEventRepository(database)
	bus := events.NewBus(eventRepo, zap.NewNop())
	signaler := &recordingSignaler{}
	return NewService(jobRepo, bus, signaler, zap.NewNop()), signaler, jobRepo
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{
		UserID:   1,
		Kind:     "txt2vid",
		Priority: db.PriorityUrgent,
		Tags:     []string{"video"},
		Params:   `{"frames":24}`,
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status)
	assert.Equal(t, `["video"]`, job.Tags)
	assert.Equal(t, `{"frames":24}`, job.Params)

	// Submission wakes the scheduler.
	select {
	case <-svc.Wake():
	default:
		t.Fatal("expected a pending wakeup after submit")
	}
}

func TestSubmitFutureStartIsScheduled(t *testing.T) {
	svc, _, _ := newTestService(t)
	start := time.Now().Add(time.Hour)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		UserID:           1,
		Kind:             "txt2vid",
		ScheduledStartAt: &start,
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusScheduled, job.Status)
	assert.Equal(t, "[]", job.Tags)
	assert.Equal(t, "{}", job.Params)
}

func TestTransitionStateRejectsIllegalEdge(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)

	_, err = svc.TransitionState(ctx, job.ID, db.StatusCompleted, nil, "", nil)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, db.StatusPending, terr.From)
	assert.Equal(t, db.StatusCompleted, terr.To)
}

func TestTransitionStateAppendsAuditTrail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)

	workerID := db.ID(7)
	_, err = svc.TransitionState(ctx, job.ID, db.StatusDispatched, nil, "assigned", func(j *db.Job) {
		j.WorkerID = &workerID
	})
	require.NoError(t, err)
	running, err := svc.TransitionState(ctx, job.ID, db.StatusRunning, nil, "worker started", nil)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)

	done, err := svc.TransitionState(ctx, job.ID, db.StatusCompleted, nil, "finished", nil)
	require.NoError(t, err)
	require.NotNil(t, done.EndedAt)
	assert.Nil(t, done.WorkerID, "terminal jobs release their worker assignment")

	trail, err := svc.ListTransitions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, db.StatusPending, trail[0].FromStatus)
	assert.Equal(t, db.StatusDispatched, trail[0].ToStatus)
	assert.Equal(t, db.StatusCompleted, trail[2].ToStatus)
	assert.Equal(t, "finished", trail[2].Reason)
}

func TestTerminalFailureClearsAssignment(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)

	workerID := db.ID(3)
	_, err = svc.TransitionState(ctx, job.ID, db.StatusDispatched, nil, "", func(j *db.Job) {
		j.WorkerID = &workerID
	})
	require.NoError(t, err)

	failed, err := svc.TransitionState(ctx, job.ID, db.StatusFailed, nil, "worker refused", func(j *db.Job) {
		j.Error = "connection reset"
	})
	require.NoError(t, err)
	assert.Nil(t, failed.WorkerID)
	assert.Equal(t, "connection reset", failed.Error)
}

func TestEveryTerminalStateClearsAssignment(t *testing.T) {
	cases := []struct {
		name string
		path []db.JobStatus
	}{
		{"completed", []db.JobStatus{db.StatusDispatched, db.StatusRunning, db.StatusCompleted}},
		{"failed", []db.JobStatus{db.StatusDispatched, db.StatusFailed}},
		{"cancelled", []db.JobStatus{db.StatusDispatched, db.StatusRunning, db.StatusCancelled}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			ctx := context.Background()

			job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
			require.NoError(t, err)

			workerID := db.ID(4)
			for _, status := range tc.path {
				job, err = svc.TransitionState(ctx, job.ID, status, nil, "", func(j *db.Job) {
					if status == db.StatusDispatched {
						j.WorkerID = &workerID
					}
				})
				require.NoError(t, err)
			}
			assert.Nil(t, job.WorkerID)
		})
	}
}

func TestCancelSignalsAssignedWorker(t *testing.T) {
	svc, signaler, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)

	workerID := db.ID(5)
	_, err = svc.TransitionState(ctx, job.ID, db.StatusDispatched, nil, "", func(j *db.Job) {
		j.WorkerID = &workerID
	})
	require.NoError(t, err)

	actor := db.ID(1)
	cancelled, err := svc.Cancel(ctx, job.ID, &actor, "cancelled by user")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, cancelled.Status)
	assert.Equal(t, []db.ID{job.ID}, signaler.cancels)
}

func TestCancelTerminalJobFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, job.ID, nil, "first")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, job.ID, nil, "second")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.Terminal())
}

func TestPauseRunningJobSignalsInterrupt(t *testing.T) {
	svc, signaler, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)

	workerID := db.ID(2)
	_, err = svc.TransitionState(ctx, job.ID, db.StatusDispatched, nil, "", func(j *db.Job) {
		j.WorkerID = &workerID
	})
	require.NoError(t, err)
	_, err = svc.TransitionState(ctx, job.ID, db.StatusRunning, nil, "", nil)
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaused, paused.Status)
	assert.Nil(t, paused.WorkerID)
	assert.Equal(t, []db.ID{job.ID}, signaler.interrupts)

	// Resume puts it back in the queue.
	resumed, err := svc.Resume(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, resumed.Status)
}

func TestPausePendingJobDoesNotSignal(t *testing.T) {
	svc, signaler, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)

	_, err = svc.Pause(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, signaler.interrupts)
}

func TestRetryLinksToFailedSource(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{
		UserID:   1,
		Kind:     "txt2vid",
		Priority: db.PriorityUrgent,
		Tags:     []string{"video"},
		Params:   `{"frames":24}`,
	})
	require.NoError(t, err)

	_, err = svc.TransitionState(ctx, job.ID, db.StatusDispatched, nil, "", nil)
	require.NoError(t, err)
	_, err = svc.TransitionState(ctx, job.ID, db.StatusFailed, nil, "oom", nil)
	require.NoError(t, err)

	retry, err := svc.Retry(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, retry.Status)
	require.NotNil(t, retry.RetryOfID)
	assert.Equal(t, job.ID, *retry.RetryOfID)
	assert.Equal(t, job.Kind, retry.Kind)
	assert.Equal(t, job.Priority, retry.Priority)
	assert.Equal(t, `["video"]`, retry.Tags)
	assert.Equal(t, 1, retry.AttemptCount)

	// The retry enters the queue through the retrying edge, audited.
	trail, err := svc.ListTransitions(ctx, retry.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, db.StatusRetrying, trail[0].FromStatus)
	assert.Equal(t, db.StatusPending, trail[0].ToStatus)
}

func TestRetryNonFailedJobRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)

	_, err = svc.Retry(ctx, job.ID, nil)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestQueueEstimateDefaultsWithoutHistory(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, SubmitRequest{UserID: 1, Kind: "txt2vid"})
		require.NoError(t, err)
	}

	view, err := svc.Queue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Queued)
	assert.Equal(t, 0, view.Running)
	// No completed history: the advisory estimate uses the 60s default.
	assert.Equal(t, int64(180), view.EstimatedWaitSecs)
}

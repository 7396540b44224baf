// Package bridge maintains one outbound WebSocket session per registered
// render worker. Sessions translate worker frames into job state
// transitions and execution updates; the manager handles dispatch,
// cancellation signals, reconnection and graceful shutdown.
//
// Session state is in-memory and intentionally non-persistent: after a
// restart the manager redials every registered worker. The persistent
// worker record lives in the database.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/jobs"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// shutdownDrainTimeout is how long Shutdown waits for receive loops to
// exit before giving up on them.
const shutdownDrainTimeout = 5 * time.Second

// Manager owns the fleet of worker sessions. Safe for concurrent use by
// the scheduler, the API handlers and the sessions themselves.
type Manager struct {
	jobsRepo  repositories.JobRepository
	workers   repositories.WorkerRepository
	lifecycle *jobs.Service
	bus       *events.Bus
	control   *controlClient
	clientID  string
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[db.ID]*session
}

// NewManager creates a bridge Manager. clientID identifies this control
// plane to workers; it appears in dial URLs and prompt submissions.
func NewManager(
	jobsRepo repositories.JobRepository,
	workers repositories.WorkerRepository,
	lifecycle *jobs.Service,
	bus *events.Bus,
	clientID string,
	log *zap.Logger,
) *Manager {
	if clientID == "" {
		clientID = "sceneforge-server"
	}
	return &Manager{
		jobsRepo:  jobsRepo,
		workers:   workers,
		lifecycle: lifecycle,
		bus:       bus,
		control:   newControlClient(),
		clientID:  clientID,
		log:       log.Named("bridge"),
		sessions:  make(map[db.ID]*session),
	}
}

// Start opens sessions for every registered, non-deleted worker. Called
// once at boot; later registrations go through Connect.
func (m *Manager) Start(ctx context.Context) error {
	registered, _, err := m.workers.List(ctx, repositories.ListOptions{Limit: 1000})
	if err != nil {
		return fmt.Errorf("bridge: listing workers at startup: %w", err)
	}
	for i := range registered {
		m.Connect(ctx, &registered[i])
	}
	m.log.Info("bridge started", zap.Int("workers", len(registered)))
	return nil
}

// Connect opens (or replaces) the session for a worker. Replacement
// happens when a worker's registration is updated with a new URL or auth
// header.
func (m *Manager) Connect(ctx context.Context, worker *db.Worker) {
	m.mu.Lock()
	if old, ok := m.sessions[worker.ID]; ok {
		m.log.Warn("replacing existing worker session", zap.String("worker", worker.Name))
		old.cancel()
		old.closeConn()
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		worker:    *worker,
		clientID:  m.clientID,
		jobs:      m.jobsRepo,
		workers:   m.workers,
		lifecycle: m.lifecycle,
		bus:       m.bus,
		log:       m.log,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[worker.ID] = sess
	m.mu.Unlock()

	go sess.run(sessCtx)
}

// Disconnect tears down the session for a worker, e.g. on deregistration.
func (m *Manager) Disconnect(workerID db.ID) {
	m.mu.Lock()
	sess, ok := m.sessions[workerID]
	if ok {
		delete(m.sessions, workerID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	sess.cancel()
	sess.closeConn()
	<-sess.done
	m.log.Info("worker session closed", zap.String("worker", sess.worker.Name))
}

// Dispatch implements jobs.Dispatcher: it submits the job's params to the
// worker's control channel and records the (worker, prompt, job) mapping.
// Submissions to the same worker are serialised on its session.
func (m *Manager) Dispatch(ctx context.Context, worker *db.Worker, job *db.Job) error {
	m.mu.Lock()
	sess, ok := m.sessions[worker.ID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("bridge: worker %s has no session", worker.Name)
	}

	sess.submitMu.Lock()
	defer sess.submitMu.Unlock()

	promptID, err := m.control.SubmitPrompt(ctx, worker, m.clientID, job.Params)
	if err != nil {
		return err
	}

	exec := &db.Execution{
		WorkerID: worker.ID,
		JobID:    job.ID,
		PromptID: promptID,
		Status:   "running",
		Outputs:  "{}",
	}
	if err := m.jobsRepo.CreateExecution(ctx, exec); err != nil {
		// The worker accepted the prompt but the mapping failed; interrupt
		// so the orphaned prompt does not burn GPU time.
		if ierr := m.control.Interrupt(ctx, worker); ierr != nil {
			m.log.Warn("failed to interrupt orphaned prompt", zap.Error(ierr))
		}
		return fmt.Errorf("bridge: recording execution: %w", err)
	}

	m.log.Info("job dispatched",
		zap.Int64("job_id", job.ID),
		zap.String("worker", worker.Name),
		zap.String("prompt_id", promptID))
	return nil
}

// SignalCancel implements jobs.WorkerSignaler. Best-effort: the job row is
// already terminal, so failures here only cost worker time.
func (m *Manager) SignalCancel(ctx context.Context, workerID db.ID, jobID db.ID) {
	m.signalInterrupt(ctx, workerID, jobID, "cancel")
}

// SignalInterrupt implements jobs.WorkerSignaler for pause.
func (m *Manager) SignalInterrupt(ctx context.Context, workerID db.ID, jobID db.ID) {
	m.signalInterrupt(ctx, workerID, jobID, "pause")
}

func (m *Manager) signalInterrupt(ctx context.Context, workerID db.ID, jobID db.ID, cause string) {
	worker, err := m.workers.GetByID(ctx, workerID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			m.log.Error("failed to load worker for signal", zap.Error(err))
		}
		return
	}
	if err := m.control.Interrupt(ctx, worker); err != nil {
		m.log.Warn("worker interrupt failed",
			zap.String("cause", cause),
			zap.Int64("job_id", jobID),
			zap.String("worker", worker.Name),
			zap.Error(err))
		return
	}
	m.log.Info("worker signalled",
		zap.String("cause", cause),
		zap.Int64("job_id", jobID),
		zap.String("worker", worker.Name))
}

// ConnectedCount returns the number of sessions currently holding an open
// connection.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sess := range m.sessions {
		sess.mu.Lock()
		if sess.conn != nil {
			n++
		}
		sess.mu.Unlock()
	}
	return n
}

// Shutdown closes every session, waits up to shutdownDrainTimeout for the
// receive loops to drain, then abandons any that are still running.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		delete(m.sessions, id)
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
		sess.closeConn()
	}

	deadline := time.After(shutdownDrainTimeout)
	for _, sess := range sessions {
		select {
		case <-sess.done:
		case <-deadline:
			m.log.Warn("session did not drain before deadline",
				zap.String("worker", sess.worker.Name))
		}
	}
	m.log.Info("bridge shut down", zap.Int("sessions", len(sessions)))
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/jobs"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

const (
	// Reconnect backoff bounds. Delay doubles from backoffInitial up to
	// backoffMax with backoffJitter of randomisation so a fleet of workers
	// does not reconnect in lockstep.
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	backoffJitter  = 0.2

	// readLimit caps inbound frame size. Node outputs are small JSON; a
	// larger frame indicates a confused or hostile endpoint.
	readLimit = 1 << 20
)

// frame is the wire shape of every inbound worker message.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// session owns one worker's WebSocket connection: the dial/reconnect loop,
// the receive loop, and a send half serialised by submitMu so concurrent
// dispatches to the same worker queue up in order.
type session struct {
	worker   db.Worker // snapshot at connect time; URL and auth do not change mid-session
	clientID string

	jobs      repositories.JobRepository
	workers   repositories.WorkerRepository
	lifecycle *jobs.Service
	bus       *events.Bus
	log       *zap.Logger

	submitMu sync.Mutex

	mu   sync.Mutex
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// run dials the worker and processes frames until ctx is cancelled,
// reconnecting with bounded backoff after any failure.
func (s *session) run(ctx context.Context) {
	defer close(s.done)

	delay := backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warn("worker dial failed",
				zap.String("worker", s.worker.Name),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			s.markOffline(ctx)

			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(delay)):
			}
			delay = nextDelay(delay)
			continue
		}

		delay = backoffInitial
		s.setConn(conn)
		s.markOnline(ctx)
		s.log.Info("worker connected", zap.String("worker", s.worker.Name))

		err = s.receiveLoop(ctx, conn)
		s.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		s.log.Warn("worker connection lost",
			zap.String("worker", s.worker.Name),
			zap.Error(err))
		s.failInFlight(ctx)
		s.markOffline(ctx)
	}
}

func (s *session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.worker.AuthHeader != "" {
		header.Set("Authorization", string(s.worker.AuthHeader))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL(s.worker.URL, s.clientID), header)
	return conn, err
}

func (s *session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// closeConn sends a close frame and tears the connection down. Called by
// the manager on shutdown; the receive loop exits on the closed socket.
func (s *session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"), deadline)
	conn.Close()
}

// receiveLoop reads frames until the connection fails. Binary frames are
// ignored; malformed JSON and unknown types are logged and skipped so a
// single bad frame never costs the session.
func (s *session) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(readLimit)

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.log.Warn("malformed worker frame skipped",
				zap.String("worker", s.worker.Name),
				zap.Error(err))
			continue
		}

		s.handleFrame(ctx, f)
	}
}

func (s *session) handleFrame(ctx context.Context, f frame) {
	switch f.Type {
	case "status":
		s.handleStatus(ctx, f.Data)
	case "execution_start":
		s.handleExecutionStart(ctx, f.Data)
	case "execution_cached":
		s.log.Debug("execution cache hit", zap.String("worker", s.worker.Name))
	case "executing":
		s.handleExecuting(ctx, f.Data)
	case "progress":
		s.handleProgress(ctx, f.Data)
	case "executed":
		s.handleExecuted(ctx, f.Data)
	case "execution_error":
		s.handleExecutionError(ctx, f.Data)
	default:
		s.log.Warn("unknown worker frame type skipped",
			zap.String("worker", s.worker.Name),
			zap.String("type", f.Type))
	}
}

// handleStatus refreshes the worker's cached queue depth and heartbeat.
func (s *session) handleStatus(ctx context.Context, data json.RawMessage) {
	var payload struct {
		Status struct {
			ExecInfo struct {
				QueueRemaining int `json:"queue_remaining"`
			} `json:"exec_info"`
		} `json:"status"`
		GPUPercent *float64 `json:"gpu_percent"`
		ActiveJobs *int     `json:"active_jobs"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("malformed status frame", zap.String("worker", s.worker.Name), zap.Error(err))
		return
	}

	current, err := s.workers.GetByID(ctx, s.worker.ID)
	if err != nil {
		s.log.Error("failed to load worker for status update", zap.Error(err))
		return
	}

	gpu := current.GPUPercent
	if payload.GPUPercent != nil {
		gpu = *payload.GPUPercent
	}
	active := current.ActiveJobs
	if payload.ActiveJobs != nil {
		active = *payload.ActiveJobs
	}

	if err := s.workers.UpdateLoad(ctx, s.worker.ID, gpu, active, payload.Status.ExecInfo.QueueRemaining, time.Now().UTC()); err != nil {
		s.log.Error("failed to update worker load", zap.Error(err))
	}
}

// handleExecutionStart marks the mapped job Running.
func (s *session) handleExecutionStart(ctx context.Context, data json.RawMessage) {
	var payload struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.PromptID == "" {
		s.log.Warn("malformed execution_start frame", zap.String("worker", s.worker.Name))
		return
	}

	exec, err := s.execution(ctx, payload.PromptID)
	if err != nil {
		return
	}

	if _, err := s.lifecycle.TransitionState(ctx, exec.JobID, db.StatusRunning, nil, "worker started execution", nil); err != nil {
		s.logTransitionErr("execution_start", exec.JobID, err)
	}
}

// handleExecuting updates the current node, or completes the job when the
// node is null.
func (s *session) handleExecuting(ctx context.Context, data json.RawMessage) {
	var payload struct {
		Node     *string `json:"node"`
		PromptID string  `json:"prompt_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.PromptID == "" {
		s.log.Warn("malformed executing frame", zap.String("worker", s.worker.Name))
		return
	}

	exec, err := s.execution(ctx, payload.PromptID)
	if err != nil {
		return
	}

	if payload.Node != nil {
		exec.CurrentNode = *payload.Node
		if err := s.jobs.UpdateExecution(ctx, exec); err != nil {
			s.log.Error("failed to update execution node", zap.Error(err))
		}
		return
	}

	// node null means the prompt finished.
	now := time.Now().UTC()
	exec.Status = "completed"
	exec.CurrentNode = ""
	exec.EndedAt = &now
	if err := s.jobs.UpdateExecution(ctx, exec); err != nil {
		s.log.Error("failed to complete execution", zap.Error(err))
	}

	outputs := exec.Outputs
	if _, err := s.lifecycle.TransitionState(ctx, exec.JobID, db.StatusCompleted, nil, "execution finished",
		func(j *db.Job) {
			j.Result = outputs
		}); err != nil {
		s.logTransitionErr("executing(null)", exec.JobID, err)
	}
}

// handleProgress derives a 0..100 percentage and publishes job.progress.
func (s *session) handleProgress(ctx context.Context, data json.RawMessage) {
	var payload struct {
		Value    float64 `json:"value"`
		Max      float64 `json:"max"`
		PromptID string  `json:"prompt_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.PromptID == "" {
		s.log.Warn("malformed progress frame", zap.String("worker", s.worker.Name))
		return
	}
	if payload.Max <= 0 {
		return
	}

	exec, err := s.execution(ctx, payload.PromptID)
	if err != nil {
		return
	}

	percent := int(payload.Value / payload.Max * 100)
	if percent > 100 {
		percent = 100
	}

	job, err := s.jobs.GetByID(ctx, exec.JobID)
	if err != nil {
		s.log.Error("failed to load job for progress event", zap.Error(err))
		return
	}

	// user_id lets downstream consumers route the frame to the owner,
	// since progress has no acting user.
	body, _ := json.Marshal(map[string]interface{}{
		"job_id":  exec.JobID,
		"user_id": job.UserID,
		"percent": percent,
	})
	if _, err := s.bus.Publish(ctx, events.JobProgress, "job", exec.JobID, nil, string(body)); err != nil {
		s.log.Error("failed to publish progress event", zap.Error(err))
	}
}

// handleExecuted persists one node's output on the execution row, keyed by
// node id.
func (s *session) handleExecuted(ctx context.Context, data json.RawMessage) {
	var payload struct {
		Node     string          `json:"node"`
		Output   json.RawMessage `json:"output"`
		PromptID string          `json:"prompt_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.PromptID == "" {
		s.log.Warn("malformed executed frame", zap.String("worker", s.worker.Name))
		return
	}

	exec, err := s.execution(ctx, payload.PromptID)
	if err != nil {
		return
	}

	outputs := map[string]json.RawMessage{}
	if exec.Outputs != "" && exec.Outputs != "{}" {
		if err := json.Unmarshal([]byte(exec.Outputs), &outputs); err != nil {
			outputs = map[string]json.RawMessage{}
		}
	}
	outputs[payload.Node] = payload.Output

	merged, err := json.Marshal(outputs)
	if err != nil {
		s.log.Error("failed to encode execution outputs", zap.Error(err))
		return
	}
	exec.Outputs = string(merged)
	if err := s.jobs.UpdateExecution(ctx, exec); err != nil {
		s.log.Error("failed to persist execution output", zap.Error(err))
	}
}

// handleExecutionError fails the execution and the mapped job with the
// worker-reported message.
func (s *session) handleExecutionError(ctx context.Context, data json.RawMessage) {
	var payload struct {
		PromptID         string `json:"prompt_id"`
		ExceptionMessage string `json:"exception_message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.PromptID == "" {
		s.log.Warn("malformed execution_error frame", zap.String("worker", s.worker.Name))
		return
	}

	exec, err := s.execution(ctx, payload.PromptID)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	exec.Status = "failed"
	exec.EndedAt = &now
	if err := s.jobs.UpdateExecution(ctx, exec); err != nil {
		s.log.Error("failed to mark execution failed", zap.Error(err))
	}

	msg := payload.ExceptionMessage
	if msg == "" {
		msg = "execution error"
	}
	if _, err := s.lifecycle.TransitionState(ctx, exec.JobID, db.StatusFailed, nil, "worker reported error",
		func(j *db.Job) {
			j.Error = msg
		}); err != nil {
		s.logTransitionErr("execution_error", exec.JobID, err)
	}
}

// execution resolves a prompt id to its execution row. Unknown prompt ids
// are logged and skipped; they can arrive after a cancel raced a frame.
func (s *session) execution(ctx context.Context, promptID string) (*db.Execution, error) {
	exec, err := s.jobs.GetExecutionByPromptID(ctx, promptID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.log.Warn("frame for unknown prompt id skipped",
				zap.String("worker", s.worker.Name),
				zap.String("prompt_id", promptID))
		} else {
			s.log.Error("failed to resolve prompt id", zap.Error(err))
		}
		return nil, err
	}
	return exec, nil
}

// logTransitionErr downgrades illegal-edge errors to debug: frames that
// arrive after a job went terminal (e.g. an error report after a user
// cancel) are expected and ignored for state.
func (s *session) logTransitionErr(frame string, jobID db.ID, err error) {
	var te *jobs.TransitionError
	if errors.As(err, &te) {
		s.log.Debug("frame ignored for terminal or out-of-order job",
			zap.String("frame", frame),
			zap.Int64("job_id", jobID),
			zap.String("detail", te.Error()))
		return
	}
	s.log.Error("frame-driven transition failed",
		zap.String("frame", frame),
		zap.Int64("job_id", jobID),
		zap.Error(err))
}

// failInFlight marks every non-terminal job on this worker Failed with
// reason "worker disconnected".
func (s *session) failInFlight(ctx context.Context) {
	execs, err := s.jobs.ListActiveExecutionsByWorker(ctx, s.worker.ID)
	if err != nil {
		s.log.Error("failed to list in-flight executions", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for i := range execs {
		exec := &execs[i]
		exec.Status = "failed"
		exec.EndedAt = &now
		if err := s.jobs.UpdateExecution(ctx, exec); err != nil {
			s.log.Error("failed to close orphaned execution", zap.Error(err))
		}

		if _, err := s.lifecycle.TransitionState(ctx, exec.JobID, db.StatusFailed, nil, "worker disconnected",
			func(j *db.Job) {
				j.Error = "worker disconnected"
			}); err != nil {
			s.logTransitionErr("disconnect", exec.JobID, err)
		}
	}
}

func (s *session) markOnline(ctx context.Context) {
	if err := s.workers.UpdateStatus(ctx, s.worker.ID, db.WorkerOnline); err != nil {
		s.log.Error("failed to mark worker online", zap.Error(err))
	}
}

func (s *session) markOffline(ctx context.Context) {
	if err := s.workers.UpdateStatus(ctx, s.worker.ID, db.WorkerOffline); err != nil {
		s.log.Error("failed to mark worker offline", zap.Error(err))
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"worker_id": s.worker.ID,
		"worker":    s.worker.Name,
	})
	if err != nil {
		return
	}
	if _, err := s.bus.Publish(ctx, events.SystemWorkerOffline, "worker", s.worker.ID, nil, string(body)); err != nil {
		s.log.Error("failed to publish worker offline event", zap.Error(err))
	}
}

// nextDelay doubles the backoff up to the cap.
func nextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter spreads a delay by ±backoffJitter.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * backoffJitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/jobs"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// JobHandler exposes job submission, listing and lifecycle operations.
// Non-admin users only see and act on their own jobs.
type JobHandler struct {
	svc    *jobs.Service
	logger *zap.Logger
}

func NewJobHandler(svc *jobs.Service, logger *zap.Logger) *JobHandler {
	return &JobHandler{svc: svc, logger: logger.Named("job_handler")}
}

type submitJobRequest struct {
	Kind             string          `json:"kind"`
	Priority         *int            `json:"priority"`
	Tags             []string        `json:"tags"`
	Params           json.RawMessage `json:"params"`
	ScheduledStartAt *time.Time      `json:"scheduled_start_at"`
}

// Create handles POST /api/v1/jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req submitJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		ErrBadRequest(w, "kind is required")
		return
	}

	priority := db.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
		if priority < db.PriorityBackground || priority > db.PriorityUrgent {
			ErrUnprocessable(w, "priority out of range")
			return
		}
	}

	params := "{}"
	if len(req.Params) > 0 {
		if !json.Valid(req.Params) {
			ErrBadRequest(w, "params must be a JSON object")
			return
		}
		params = string(req.Params)
	}

	job, err := h.svc.Submit(r.Context(), jobs.SubmitRequest{
		UserID:           userID,
		Kind:             req.Kind,
		Priority:         priority,
		Tags:             req.Tags,
		Params:           params,
		ScheduledStartAt: req.ScheduledStartAt,
	})
	if err != nil {
		h.logger.Error("job submission failed", zap.Int64("user_id", userID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, job)
}

// List handles GET /api/v1/jobs with status_id/kind/worker_id filters.
// Admins may filter by any user via ?user_id=; everyone else is pinned
// to their own jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	filter := repositories.JobFilter{Kind: r.URL.Query().Get("kind")}
	if raw := r.URL.Query().Get("status_id"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			ErrBadRequest(w, "invalid status_id filter")
			return
		}
		filter.Status = db.JobStatus(n)
	}
	if raw := r.URL.Query().Get("worker_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ErrBadRequest(w, "invalid worker_id filter")
			return
		}
		filter.WorkerID = n
	}

	if isAdmin(r.Context()) {
		if raw := r.URL.Query().Get("user_id"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				ErrBadRequest(w, "invalid user_id filter")
				return
			}
			filter.UserID = n
		}
	} else {
		filter.UserID = userID
	}

	list, total, err := h.svc.List(r.Context(), filter, pageOpts(r))
	if err != nil {
		h.logger.Error("job list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	OkList(w, list, total)
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	Ok(w, job)
}

// Transitions handles GET /api/v1/jobs/{id}/transitions: the audit
// trail, oldest first.
func (h *JobHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	rows, err := h.svc.ListTransitions(r.Context(), job.ID)
	if err != nil {
		h.logger.Error("transition list failed", zap.Int64("job_id", job.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, rows)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	actorID, _ := currentUserID(r.Context())
	if _, err := h.svc.Cancel(r.Context(), job.ID, &actorID, req.Reason); err != nil {
		h.respondTransition(w, nil, err)
		return
	}
	NoContent(w)
}

// Pause handles POST /api/v1/jobs/{id}/pause.
func (h *JobHandler) Pause(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	actorID, _ := currentUserID(r.Context())
	updated, err := h.svc.Pause(r.Context(), job.ID, &actorID)
	h.respondTransition(w, updated, err)
}

// Resume handles POST /api/v1/jobs/{id}/resume.
func (h *JobHandler) Resume(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	actorID, _ := currentUserID(r.Context())
	updated, err := h.svc.Resume(r.Context(), job.ID, &actorID)
	h.respondTransition(w, updated, err)
}

// Retry handles POST /api/v1/jobs/{id}/retry: submits a fresh job linked
// to the failed one.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	actorID, _ := currentUserID(r.Context())
	retry, err := h.svc.Retry(r.Context(), job.ID, &actorID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotRetryable) {
			ErrUnprocessable(w, "only failed jobs can be retried")
			return
		}
		h.logger.Error("retry failed", zap.Int64("job_id", job.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, retry)
}

type driftReportRequest struct {
	Score     *float64 `json:"score"`
	Threshold float64  `json:"threshold"`
}

// ReportDrift handles POST /api/v1/jobs/{id}/drift: ingests an output
// drift score from the analysis pipeline and returns the classification.
func (h *JobHandler) ReportDrift(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req driftReportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Score == nil || *req.Score < 0 {
		ErrBadRequest(w, "score is required and must be non-negative")
		return
	}
	if req.Threshold < 0 {
		ErrBadRequest(w, "threshold must be non-negative")
		return
	}

	level, err := h.svc.ReportDrift(r.Context(), jobs.DriftReport{
		JobID:     id,
		Score:     *req.Score,
		Threshold: req.Threshold,
	})
	if err != nil {
		if !repoErr(w, err) {
			h.logger.Error("drift report failed", zap.Int64("job_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, map[string]jobs.DriftLevel{"level": level})
}

// Queue handles GET /api/v1/queue: counts, the dispatch-ordered pending
// list and the estimated wait.
func (h *JobHandler) Queue(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Queue(r.Context())
	if err != nil {
		h.logger.Error("queue view failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, view)
}

// loadOwned fetches the job in {id} and enforces ownership for
// non-admins. Writes the error response itself on failure.
func (h *JobHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*db.Job, bool) {
	id, ok := idParam(w, r)
	if !ok {
		return nil, false
	}
	job, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			h.logger.Error("job load failed", zap.Int64("job_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return nil, false
	}

	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return nil, false
	}
	if job.UserID != userID && !isAdmin(r.Context()) {
		// 404, not 403, so job ids are not probeable.
		ErrNotFound(w)
		return nil, false
	}
	return job, true
}

// respondTransition maps lifecycle operation outcomes: illegal edges are
// 422 with the offending states named, repository misses are 404.
func (h *JobHandler) respondTransition(w http.ResponseWriter, job *db.Job, err error) {
	if err == nil {
		Ok(w, job)
		return
	}
	var terr *jobs.TransitionError
	if errors.As(err, &terr) {
		if terr.Terminal() {
			ErrConflict(w, terr.Error())
		} else {
			ErrUnprocessable(w, terr.Error())
		}
		return
	}
	if repoErr(w, err) {
		return
	}
	h.logger.Error("job transition failed", zap.Error(err))
	ErrInternal(w)
}

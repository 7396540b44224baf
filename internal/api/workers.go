package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// WorkerBridge is the subset of the bridge manager the worker endpoints
// drive: registration opens a session, deregistration closes it.
type WorkerBridge interface {
	Connect(ctx context.Context, worker *db.Worker)
	Disconnect(workerID db.ID)
}

// WorkerHandler exposes the admin-only worker registry. Every mutation
// is mirrored into the bridge so the session fleet tracks the registry.
type WorkerHandler struct {
	workers repositories.WorkerRepository
	bridge  WorkerBridge
	logger  *zap.Logger
}

func NewWorkerHandler(workers repositories.WorkerRepository, bridge WorkerBridge, logger *zap.Logger) *WorkerHandler {
	return &WorkerHandler{
		workers: workers,
		bridge:  bridge,
		logger:  logger.Named("worker_handler"),
	}
}

// workerView hides the encrypted auth header from listings.
type workerView struct {
	*db.Worker
	AuthHeader string `json:"auth_header,omitempty"`
}

func viewOf(w *db.Worker) workerView {
	return workerView{Worker: w}
}

type workerRequest struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	AuthHeader string   `json:"auth_header"`
	Tags       []string `json:"tags"`
}

// Create handles POST /api/v1/workers: registers a worker and opens its
// bridge session.
func (h *WorkerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.URL == "" {
		ErrBadRequest(w, "name and url are required")
		return
	}

	tags, err := encodeTags(req.Tags)
	if err != nil {
		ErrBadRequest(w, "invalid tags")
		return
	}

	worker := &db.Worker{
		Name:       req.Name,
		URL:        req.URL,
		AuthHeader: db.EncryptedString(req.AuthHeader),
		Tags:       tags,
		Status:     db.WorkerOffline,
	}
	if err := h.workers.Create(r.Context(), worker); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("worker create failed", zap.String("name", req.Name), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.bridge.Connect(r.Context(), worker)
	Created(w, viewOf(worker))
}

// List handles GET /api/v1/workers.
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	list, total, err := h.workers.List(r.Context(), pageOpts(r))
	if err != nil {
		h.logger.Error("worker list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]workerView, len(list))
	for i := range list {
		views[i] = viewOf(&list[i])
	}
	OkList(w, views, total)
}

// GetByID handles GET /api/v1/workers/{id}.
func (h *WorkerHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	worker, err := h.workers.GetByID(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	Ok(w, viewOf(worker))
}

// Update handles PATCH /api/v1/workers/{id}. URL or auth changes restart
// the session against the new endpoint.
func (h *WorkerHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	worker, err := h.workers.GetByID(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}

	var req workerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		worker.Name = req.Name
	}
	if req.URL != "" {
		worker.URL = req.URL
	}
	if req.AuthHeader != "" {
		worker.AuthHeader = db.EncryptedString(req.AuthHeader)
	}
	if req.Tags != nil {
		tags, err := encodeTags(req.Tags)
		if err != nil {
			ErrBadRequest(w, "invalid tags")
			return
		}
		worker.Tags = tags
	}

	if err := h.workers.Update(r.Context(), worker); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("worker update failed", zap.Int64("worker_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.bridge.Connect(r.Context(), worker)
	Ok(w, viewOf(worker))
}

// Drain handles POST /api/v1/workers/{id}/drain: in-flight jobs finish,
// no new assignments.
func (h *WorkerHandler) Drain(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.workers.UpdateStatus(r.Context(), id, db.WorkerDraining); err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// Delete handles DELETE /api/v1/workers/{id}: closes the session, then
// soft-deletes the registration.
func (h *WorkerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	h.bridge.Disconnect(id)
	if err := h.workers.Delete(r.Context(), id); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("worker delete failed", zap.Int64("worker_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

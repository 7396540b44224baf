package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// Entity types accepted by the lock and presence endpoints.
var lockableEntities = map[string]bool{
	"job":      true,
	"scene":    true,
	"workflow": true,
}

const (
	defaultLockTTL = 5 * time.Minute
	maxLockTTL     = time.Hour
)

// LockHandler exposes collaborative entity locks and presence.
type LockHandler struct {
	locks  repositories.LockRepository
	logger *zap.Logger
}

func NewLockHandler(locks repositories.LockRepository, logger *zap.Logger) *LockHandler {
	return &LockHandler{locks: locks, logger: logger.Named("lock_handler")}
}

type acquireRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   db.ID  `json:"entity_id"`
	TTLSecs    int    `json:"ttl_secs"`
}

// Acquire handles POST /api/v1/locks. A second active lock on the same
// entity returns 409 with the current holder.
func (h *LockHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req acquireRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !lockableEntities[req.EntityType] || req.EntityID <= 0 {
		ErrBadRequest(w, "invalid entity")
		return
	}

	ttl := defaultLockTTL
	if req.TTLSecs > 0 {
		ttl = time.Duration(req.TTLSecs) * time.Second
		if ttl > maxLockTTL {
			ttl = maxLockTTL
		}
	}

	now := time.Now().UTC()
	lock := &db.EntityLock{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		OwnerID:    userID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		IsActive:   true,
	}
	if err := h.locks.Acquire(r.Context(), lock); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("lock acquire failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Created(w, lock)
}

// Release handles DELETE /api/v1/locks/{id}. Only the owner may release;
// admins may force-release through the same endpoint.
func (h *LockHandler) Release(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	ownerID := userID
	if isAdmin(r.Context()) {
		ownerID = 0 // admin release matches any owner
	}
	if err := h.locks.Release(r.Context(), id, ownerID); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("lock release failed", zap.Int64("lock_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// Mine handles GET /api/v1/locks: the caller's active locks.
func (h *LockHandler) Mine(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	list, err := h.locks.ListActiveByOwner(r.Context(), userID)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, list)
}

type presenceRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   db.ID  `json:"entity_id"`
}

// Heartbeat handles POST /api/v1/presence: records that the caller is
// viewing an entity. Clients send this periodically; stale rows are
// reaped by maintenance.
func (h *LockHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req presenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !lockableEntities[req.EntityType] || req.EntityID <= 0 {
		ErrBadRequest(w, "invalid entity")
		return
	}

	presence := &db.Presence{
		UserID:     userID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		LastSeenAt: time.Now().UTC(),
	}
	if err := h.locks.UpsertPresence(r.Context(), presence); err != nil {
		h.logger.Error("presence upsert failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Presence handles GET /api/v1/presence?entity_type=...&entity_id=...:
// who has viewed the entity within the last two minutes.
func (h *LockHandler) Presence(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	entityID, err := parseIDQuery(r, "entity_id")
	if err != nil || !lockableEntities[entityType] {
		ErrBadRequest(w, "entity_type and entity_id are required")
		return
	}

	list, err := h.locks.ListPresence(r.Context(), entityType, entityID, time.Now().Add(-2*time.Minute))
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, list)
}

package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// APIKeyHandler exposes admin-only API key management. The plaintext key
// appears exactly once, in the create and rotate responses.
type APIKeyHandler struct {
	svc    *auth.APIKeyService
	keys   repositories.APIKeyRepository
	logger *zap.Logger
}

func NewAPIKeyHandler(svc *auth.APIKeyService, keys repositories.APIKeyRepository, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{svc: svc, keys: keys, logger: logger.Named("apikey_handler")}
}

type createKeyRequest struct {
	Name      string       `json:"name"`
	ScopeID   *db.LookupID `json:"scope_id"`
	ProjectID *db.ID       `json:"project_id"`
	ReadRPM   int          `json:"read_rpm"`
	WriteRPM  int          `json:"write_rpm"`
	ExpiresAt *time.Time   `json:"expires_at"`
}

type keyWithPlaintext struct {
	Key       *db.APIKey `json:"key"`
	Plaintext string     `json:"plaintext"`
}

// Create handles POST /api/v1/apikeys.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	scope := db.ScopeRead
	if req.ScopeID != nil {
		if *req.ScopeID < db.ScopeRead || *req.ScopeID > db.ScopeAdmin {
			ErrUnprocessable(w, "unknown scope")
			return
		}
		scope = *req.ScopeID
	}

	key, plaintext, err := h.svc.Create(r.Context(), auth.CreateKeyRequest{
		Name:      req.Name,
		ScopeID:   scope,
		ProjectID: req.ProjectID,
		ReadRPM:   req.ReadRPM,
		WriteRPM:  req.WriteRPM,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: creatorID,
	})
	if err != nil {
		h.logger.Error("api key create failed", zap.String("name", req.Name), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, keyWithPlaintext{Key: key, Plaintext: plaintext})
}

// List handles GET /api/v1/apikeys. Hashes are never serialised; the
// prefix is enough to correlate with client configuration.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	list, total, err := h.keys.List(r.Context(), pageOpts(r))
	if err != nil {
		h.logger.Error("api key list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	for i := range list {
		list[i].KeyHash = ""
	}
	OkList(w, list, total)
}

// Rotate handles POST /api/v1/apikeys/{id}/rotate: issues new material
// under the same row, invalidating the old plaintext.
func (h *APIKeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	key, plaintext, err := h.svc.Rotate(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrKeyRevoked) {
			ErrUnprocessable(w, "key is revoked")
			return
		}
		if !repoErr(w, err) {
			h.logger.Error("api key rotate failed", zap.Int64("key_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, keyWithPlaintext{Key: key, Plaintext: plaintext})
}

// Revoke handles DELETE /api/v1/apikeys/{id}.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.Revoke(r.Context(), id); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("api key revoke failed", zap.Int64("key_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

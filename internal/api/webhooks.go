package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
	"github.com/sceneforge-io/sceneforge/server/internal/webhook"
)

// WebhookHandler exposes admin-only webhook subscriptions, their
// delivery history, test sends and replays.
type WebhookHandler struct {
	webhooks repositories.WebhookRepository
	engine   *webhook.Engine
	logger   *zap.Logger
}

func NewWebhookHandler(webhooks repositories.WebhookRepository, engine *webhook.Engine, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		engine:   engine,
		logger:   logger.Named("webhook_handler"),
	}
}

// webhookView hides the signing secret.
type webhookView struct {
	*db.Webhook
	Secret string `json:"secret,omitempty"`
}

type webhookRequest struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types"`
	IsEnabled  *bool    `json:"is_enabled"`
}

// validateEventTypes checks every subscribed name against the catalogue.
// An empty list means "all events".
func validateEventTypes(names []string) (string, error) {
	if len(names) == 0 {
		return "[]", nil
	}
	for _, name := range names {
		if !events.KnownType(name) {
			return "", errors.New("unknown event type " + name)
		}
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Create handles POST /api/v1/webhooks.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.URL == "" || req.Secret == "" {
		ErrBadRequest(w, "name, url and secret are required")
		return
	}
	types, err := validateEventTypes(req.EventTypes)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	hook := &db.Webhook{
		Name:       req.Name,
		URL:        req.URL,
		Secret:     db.EncryptedString(req.Secret),
		EventTypes: types,
		IsEnabled:  true,
	}
	if req.IsEnabled != nil {
		hook.IsEnabled = *req.IsEnabled
	}
	if err := h.webhooks.Create(r.Context(), hook); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("webhook create failed", zap.String("name", req.Name), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Created(w, webhookView{Webhook: hook})
}

// List handles GET /api/v1/webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	list, total, err := h.webhooks.List(r.Context(), pageOpts(r))
	if err != nil {
		h.logger.Error("webhook list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]webhookView, len(list))
	for i := range list {
		views[i] = webhookView{Webhook: &list[i]}
	}
	OkList(w, views, total)
}

// GetByID handles GET /api/v1/webhooks/{id}.
func (h *WebhookHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	hook, err := h.webhooks.GetByID(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	Ok(w, webhookView{Webhook: hook})
}

// Update handles PATCH /api/v1/webhooks/{id}.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	hook, err := h.webhooks.GetByID(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}

	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		hook.Name = req.Name
	}
	if req.URL != "" {
		hook.URL = req.URL
	}
	if req.Secret != "" {
		hook.Secret = db.EncryptedString(req.Secret)
	}
	if req.EventTypes != nil {
		types, err := validateEventTypes(req.EventTypes)
		if err != nil {
			ErrUnprocessable(w, err.Error())
			return
		}
		hook.EventTypes = types
	}
	if req.IsEnabled != nil {
		hook.IsEnabled = *req.IsEnabled
	}

	if err := h.webhooks.Update(r.Context(), hook); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("webhook update failed", zap.Int64("webhook_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, webhookView{Webhook: hook})
}

// Delete handles DELETE /api/v1/webhooks/{id}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.webhooks.Delete(r.Context(), id); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("webhook delete failed", zap.Int64("webhook_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// Deliveries handles GET /api/v1/webhooks/{id}/deliveries.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if _, err := h.webhooks.GetByID(r.Context(), id); err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	list, total, err := h.webhooks.ListDeliveriesByWebhook(r.Context(), id, pageOpts(r))
	if err != nil {
		h.logger.Error("delivery list failed", zap.Int64("webhook_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	OkList(w, list, total)
}

// Test handles POST /api/v1/webhooks/{id}/test: queues a synthetic
// webhook.test delivery.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	delivery, err := h.engine.SendTest(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			h.logger.Error("test delivery failed", zap.Int64("webhook_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Created(w, delivery)
}

// Replay handles POST /api/v1/webhooks/deliveries/{id}/replay: resets a
// terminal delivery to pending for another attempt chain.
func (h *WebhookHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	delivery, err := h.engine.Replay(r.Context(), id)
	if err != nil {
		if errors.Is(err, webhook.ErrNotReplayable) {
			ErrUnprocessable(w, "only delivered or failed deliveries can be replayed")
			return
		}
		if !repoErr(w, err) {
			h.logger.Error("replay failed", zap.Int64("delivery_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, delivery)
}

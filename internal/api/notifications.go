package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/notification"
)

// NotificationHandler exposes the inbox, per-event-type preferences and
// global notification settings of the authenticated user.
type NotificationHandler struct {
	svc    *notification.Service
	logger *zap.Logger
}

func NewNotificationHandler(svc *notification.Service, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger.Named("notification_handler")}
}

// List handles GET /api/v1/notifications. ?unread=true narrows to
// unread rows.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"

	list, total, err := h.svc.List(r.Context(), userID, unreadOnly, pageOpts(r))
	if err != nil {
		h.logger.Error("notification list failed", zap.Int64("user_id", userID), zap.Error(err))
		ErrInternal(w)
		return
	}
	OkList(w, list, total)
}

// UnreadCount handles GET /api/v1/notifications/unread-count.
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	count, err := h.svc.CountUnread(r.Context(), userID)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"count": count})
}

// MarkRead handles PATCH /api/v1/notifications/{id}/read.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.MarkRead(r.Context(), id, userID); err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// MarkAllRead handles PATCH /api/v1/notifications/read-all.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	if err := h.svc.MarkAllRead(r.Context(), userID); err != nil {
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Preferences handles GET /api/v1/notifications/preferences.
func (h *NotificationHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	prefs, err := h.svc.Preferences(r.Context(), userID)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, prefs)
}

// PutPreference handles PUT /api/v1/notifications/preferences.
func (h *NotificationHandler) PutPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req notification.PreferenceUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	pref, err := h.svc.SetPreference(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, notification.ErrBadChannel) {
			ErrUnprocessable(w, err.Error())
			return
		}
		ErrUnprocessable(w, err.Error())
		return
	}
	Ok(w, pref)
}

// Settings handles GET /api/v1/notifications/settings.
func (h *NotificationHandler) Settings(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	settings, err := h.svc.Settings(r.Context(), userID)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, settings)
}

type settingsRequest struct {
	DNDEnabled    bool       `json:"dnd_enabled"`
	DNDUntil      *time.Time `json:"dnd_until"`
	DigestEnabled bool       `json:"digest_enabled"`
	DigestCadence string     `json:"digest_cadence"`
}

// PutSettings handles PUT /api/v1/notifications/settings.
func (h *NotificationHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	settings, err := h.svc.SetSettings(r.Context(), &db.NotificationSetting{
		UserID:        userID,
		DNDEnabled:    req.DNDEnabled,
		DNDUntil:      req.DNDUntil,
		DigestEnabled: req.DigestEnabled,
		DigestCadence: req.DigestCadence,
	})
	if err != nil {
		if errors.Is(err, notification.ErrBadCadence) {
			ErrUnprocessable(w, err.Error())
			return
		}
		h.logger.Error("settings update failed", zap.Int64("user_id", userID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, settings)
}

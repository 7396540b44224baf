package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/notification"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// SettingsHandler exposes admin-only server configuration stored in the
// settings table. Currently that is the SMTP transport used by the
// notification service.
type SettingsHandler struct {
	settings repositories.SettingsRepository
	logger   *zap.Logger
}

func NewSettingsHandler(settings repositories.SettingsRepository, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{settings: settings, logger: logger.Named("settings_handler")}
}

// smtpSettings is the wire shape for GET/PUT /api/v1/settings/smtp. The
// password is write-only: reads report whether one is set, never the
// value.
type smtpSettings struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`
	PasswordSet bool   `json:"password_set"`
	From        string `json:"from"`
	TLS         bool   `json:"tls"`
}

// GetSMTP handles GET /api/v1/settings/smtp.
func (h *SettingsHandler) GetSMTP(w http.ResponseWriter, r *http.Request) {
	rows, err := h.settings.GetMany(r.Context(), "smtp.")
	if err != nil {
		h.logger.Error("smtp settings read failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	var out smtpSettings
	for _, row := range rows {
		value := string(row.Value)
		switch row.Key {
		case notification.KeySMTPHost:
			out.Host = value
		case notification.KeySMTPPort:
			out.Port, _ = strconv.Atoi(value)
		case notification.KeySMTPUsername:
			out.Username = value
		case notification.KeySMTPPassword:
			out.PasswordSet = value != ""
		case notification.KeySMTPFrom:
			out.From = value
		case notification.KeySMTPTLS:
			out.TLS = value == "true"
		}
	}
	Ok(w, out)
}

// PutSMTP handles PUT /api/v1/settings/smtp. An empty password leaves
// the stored one untouched so the form can round-trip without it.
func (h *SettingsHandler) PutSMTP(w http.ResponseWriter, r *http.Request) {
	var req smtpSettings
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Host == "" || req.From == "" {
		ErrBadRequest(w, "host and from are required")
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		ErrUnprocessable(w, "port must be a valid port number")
		return
	}

	tlsValue := "false"
	if req.TLS {
		tlsValue = "true"
	}
	pairs := map[string]string{
		notification.KeySMTPHost:     req.Host,
		notification.KeySMTPPort:     strconv.Itoa(req.Port),
		notification.KeySMTPUsername: req.Username,
		notification.KeySMTPFrom:     req.From,
		notification.KeySMTPTLS:      tlsValue,
	}
	if req.Password != "" {
		pairs[notification.KeySMTPPassword] = req.Password
	}

	for key, value := range pairs {
		if err := h.settings.Set(r.Context(), key, db.EncryptedString(value)); err != nil {
			h.logger.Error("smtp setting write failed", zap.String("key", key), zap.Error(err))
			ErrInternal(w)
			return
		}
	}
	NoContent(w)
}

// DeleteSMTP handles DELETE /api/v1/settings/smtp: unconfigures email
// delivery entirely.
func (h *SettingsHandler) DeleteSMTP(w http.ResponseWriter, r *http.Request) {
	keys := []string{
		notification.KeySMTPHost,
		notification.KeySMTPPort,
		notification.KeySMTPUsername,
		notification.KeySMTPPassword,
		notification.KeySMTPFrom,
		notification.KeySMTPTLS,
	}
	for _, key := range keys {
		if err := h.settings.Delete(r.Context(), key); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			h.logger.Error("smtp setting delete failed", zap.String("key", key), zap.Error(err))
			ErrInternal(w)
			return
		}
	}
	NoContent(w)
}

package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/websocket"
)

// WSHandler upgrades authenticated clients onto the push hub.
type WSHandler struct {
	hub    *websocket.Hub
	jwtMgr *auth.JWTManager
	logger *zap.Logger
}

func NewWSHandler(hub *websocket.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, jwtMgr: jwtMgr, logger: logger.Named("ws_handler")}
}

// Serve handles GET /api/v1/ws?token=<jwt>. Browsers cannot set an
// Authorization header on a WebSocket handshake, so the access token
// rides in the query string; it is short-lived, which bounds the
// exposure via logs.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		ErrUnauthorized(w)
		return
	}
	claims, err := h.jwtMgr.ValidateAccessToken(raw)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		ErrUnauthorized(w)
		return
	}

	client, err := websocket.NewClient(h.hub, w, r, userID, h.logger)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

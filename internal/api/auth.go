package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
)

// refreshTokenCookie is the httpOnly cookie holding the refresh token.
// It is never exposed in response bodies.
const refreshTokenCookie = "sceneforge_refresh_token"

// AuthHandler groups the authentication endpoints.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
	secure bool // true in production (HTTPS), false in local development
}

func NewAuthHandler(svc *auth.Service, logger *zap.Logger, secure bool) *AuthHandler {
	return &AuthHandler{
		svc:    svc,
		logger: logger.Named("auth_handler"),
		secure: secure,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse carries the access token only; the refresh token travels
// in an httpOnly cookie.
type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		ErrBadRequest(w, "username and password are required")
		return
	}

	pair, err := h.svc.Login(r.Context(), auth.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	})
	if err != nil {
		switch {
		// Same 401 for unknown users and bad passwords so responses do
		// not enumerate users.
		case errors.Is(err, auth.ErrInvalidCredentials):
			ErrUnauthorized(w)
		case errors.Is(err, auth.ErrAccountLocked):
			ErrForbiddenMsg(w, "account locked")
		case errors.Is(err, auth.ErrUserDisabled):
			ErrForbiddenMsg(w, "account deactivated")
		default:
			h.logger.Error("login failed", zap.String("username", req.Username), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	Ok(w, loginResponse{AccessToken: pair.AccessToken})
}

// Refresh handles POST /api/v1/auth/refresh: rotates the refresh token
// and returns a fresh access token.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	pair, err := h.svc.Refresh(r.Context(), cookie.Value, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		h.clearRefreshCookie(w)
		ErrUnauthorized(w)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshTokenExpiresAt)
	Ok(w, loginResponse{AccessToken: pair.AccessToken})
}

// Logout handles POST /api/v1/auth/logout: revokes the current session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil {
		NoContent(w)
		return
	}

	if err := h.svc.Logout(r.Context(), cookie.Value); err != nil {
		h.logger.Warn("logout error", zap.Error(err))
	}
	h.clearRefreshCookie(w)
	NoContent(w)
}

// LogoutAll handles POST /api/v1/auth/logout-all: revokes every session
// of the authenticated user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	if err := h.svc.LogoutAll(r.Context(), userID); err != nil {
		h.logger.Error("logout-all failed", zap.Int64("user_id", userID), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.clearRefreshCookie(w)
	NoContent(w)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword handles POST /api/v1/auth/change-password. Success
// revokes all sessions, so the client must log in again.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.svc.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword)
	switch {
	case err == nil:
		h.clearRefreshCookie(w)
		NoContent(w)
	case errors.Is(err, auth.ErrInvalidCredentials):
		ErrUnauthorized(w)
	case errors.Is(err, auth.ErrPasswordTooShort):
		ErrUnprocessable(w, err.Error())
	default:
		h.logger.Error("password change failed", zap.Int64("user_id", userID), zap.Error(err))
		ErrInternal(w)
	}
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    token,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/api/v1/auth",
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshTokenCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/api/v1/auth",
	})
}

package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// UserHandler exposes the current-user profile plus admin user and quota
// management.
type UserHandler struct {
	users  repositories.UserRepository
	logger *zap.Logger
}

func NewUserHandler(users repositories.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logger.Named("user_handler")}
}

// userView strips credential material from responses.
type userView struct {
	ID        db.ID       `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	RoleID    db.LookupID `json:"role_id"`
	IsActive  bool        `json:"is_active"`
	CreatedAt string      `json:"created_at"`
}

func userViewOf(u *db.User) userView {
	return userView{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		RoleID:    u.RoleID,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// GetMe handles GET /api/v1/users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	Ok(w, userViewOf(user))
}

type updateMeRequest struct {
	Email string `json:"email"`
}

// UpdateMe handles PATCH /api/v1/users/me. Only the email is
// self-serviceable; role and activation are admin operations.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}
	var req updateMeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		ErrBadRequest(w, "email is required")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	user.Email = req.Email
	if err := h.users.Update(r.Context(), user); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("profile update failed", zap.Int64("user_id", userID), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, userViewOf(user))
}

type createUserRequest struct {
	Username string       `json:"username"`
	Email    string       `json:"email"`
	Password string       `json:"password"`
	RoleID   *db.LookupID `json:"role_id"`
}

// Create handles POST /api/v1/users (admin).
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		ErrBadRequest(w, "username, email and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	role := db.RoleUser
	if req.RoleID != nil {
		if *req.RoleID != db.RoleAdmin && *req.RoleID != db.RoleUser {
			ErrUnprocessable(w, "unknown role")
			return
		}
		role = *req.RoleID
	}

	user := &db.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		RoleID:       role,
		IsActive:     true,
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("user create failed", zap.String("username", req.Username), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Created(w, userViewOf(user))
}

// List handles GET /api/v1/users (admin).
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	list, total, err := h.users.List(r.Context(), pageOpts(r))
	if err != nil {
		h.logger.Error("user list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]userView, len(list))
	for i := range list {
		views[i] = userViewOf(&list[i])
	}
	OkList(w, views, total)
}

// GetByID handles GET /api/v1/users/{id} (admin).
func (h *UserHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	Ok(w, userViewOf(user))
}

type updateUserRequest struct {
	Email    *string      `json:"email"`
	RoleID   *db.LookupID `json:"role_id"`
	IsActive *bool        `json:"is_active"`
}

// Update handles PATCH /api/v1/users/{id} (admin).
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}

	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.RoleID != nil {
		if *req.RoleID != db.RoleAdmin && *req.RoleID != db.RoleUser {
			ErrUnprocessable(w, "unknown role")
			return
		}
		user.RoleID = *req.RoleID
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}

	if err := h.users.Update(r.Context(), user); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("user update failed", zap.Int64("user_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, userViewOf(user))
}

// Delete handles DELETE /api/v1/users/{id} (admin).
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if selfID, _ := currentUserID(r.Context()); selfID == id {
		ErrUnprocessable(w, "cannot delete your own account")
		return
	}
	if err := h.users.Delete(r.Context(), id); err != nil {
		if !repoErr(w, err) {
			h.logger.Error("user delete failed", zap.Int64("user_id", id), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}

// GetQuota handles GET /api/v1/users/{id}/quota (admin). Users without a
// quota row are unlimited; zero fields mean the same.
func (h *UserHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	quota, err := h.users.GetQuota(r.Context(), id)
	if err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}
	Ok(w, quota)
}

type quotaRequest struct {
	DailyGPUSecs  int64 `json:"daily_gpu_secs"`
	WeeklyGPUSecs int64 `json:"weekly_gpu_secs"`
}

// PutQuota handles PUT /api/v1/users/{id}/quota (admin).
func (h *UserHandler) PutQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if _, err := h.users.GetByID(r.Context(), id); err != nil {
		if !repoErr(w, err) {
			ErrInternal(w)
		}
		return
	}

	var req quotaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DailyGPUSecs < 0 || req.WeeklyGPUSecs < 0 {
		ErrUnprocessable(w, "quota values must not be negative")
		return
	}

	quota := &db.UserQuota{
		UserID:        id,
		DailyGPUSecs:  req.DailyGPUSecs,
		WeeklyGPUSecs: req.WeeklyGPUSecs,
	}
	if err := h.users.UpsertQuota(r.Context(), quota); err != nil {
		h.logger.Error("quota upsert failed", zap.Int64("user_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, quota)
}

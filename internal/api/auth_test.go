package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

func newAuthHandlerFixture(t *testing.T) (*AuthHandler, *db.User, repositories.UserRepository) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	users := repositories.NewUserRepository(database)
	sessions := repositories.NewSessionRepository(database)

	mgr, err := auth.NewJWTManager([]byte("test-secret"), "sceneforge", time.Minute)
	require.NoError(t, err)

	hash, err := auth.HashPassword("correct horse battery")
	require.NoError(t, err)
	user := &db.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
		RoleID:       db.RoleUser,
		IsActive:     true,
	}
	require.NoError(t, users.Create(context.Background(), user))

	svc := auth.NewService(users, sessions, mgr, time.Hour, zap.NewNop())
	return NewAuthHandler(svc, zap.NewNop(), false), user, users
}

func postLogin(t *testing.T, h *AuthHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Login(rec, req)
	return rec
}

func TestLoginEndpointWrongPasswordIsUniform401(t *testing.T) {
	h, _, _ := newAuthHandlerFixture(t)

	rec := postLogin(t, h, `{"username":"alice","password":"wrong password!!"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"unauthorized"`)

	rec = postLogin(t, h, `{"username":"nobody","password":"wrong password!!"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginEndpointLockedAccountIs403(t *testing.T) {
	h, user, users := newAuthHandlerFixture(t)

	until := time.Now().UTC().Add(10 * time.Minute)
	user.LockedUntil = &until
	require.NoError(t, users.Update(context.Background(), user))

	// The lock answers 403 even for the correct password.
	rec := postLogin(t, h, `{"username":"alice","password":"correct horse battery"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"forbidden"`)
	assert.Contains(t, rec.Body.String(), "account locked")
}

func TestLoginEndpointDeactivatedAccountIs403(t *testing.T) {
	h, user, users := newAuthHandlerFixture(t)

	user.IsActive = false
	require.NoError(t, users.Update(context.Background(), user))

	rec := postLogin(t, h, `{"username":"alice","password":"correct horse battery"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "account deactivated")
}

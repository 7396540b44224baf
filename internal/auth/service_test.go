package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

const testPassword = "correct horse battery"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

func newTestAuth(t *testing.T) (*Service, *db.User, repositories.SessionRepository) {
	t.Helper()
	database := openTestDB(t)
	users := repositories.NewUserRepository(database)
	sessions := repositories.NewSessionRepository(database)

	mgr, err := NewJWTManager([]byte("test-secret"), "sceneforge", time.Minute)
	require.NoError(t, err)

	hash, err := HashPassword(testPassword)
	require.NoError(t, err)

	user := &db.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
		RoleID:       db.RoleUser,
		IsActive:     true,
	}
	require.NoError(t, users.Create(context.Background(), user))

	return NewService(users, sessions, mgr, time.Hour, zap.NewNop()), user, sessions
}

func TestLoginSuccess(t *testing.T) {
	svc, _, _ := newTestAuth(t)

	pair, err := svc.Login(context.Background(), LoginRequest{
		Username: "alice",
		Password: testPassword,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.True(t, pair.RefreshTokenExpiresAt.After(time.Now()))
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _, _ := newTestAuth(t)

	_, err := svc.Login(context.Background(), LoginRequest{
		Username: "alice",
		Password: "wrong password!!",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUserSameError(t *testing.T) {
	svc, _, _ := newTestAuth(t)

	_, err := svc.Login(context.Background(), LoginRequest{
		Username: "nobody",
		Password: testPassword,
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginDisabledAccount(t *testing.T) {
	svc, user, _ := newTestAuth(t)
	ctx := context.Background()

	user.IsActive = false
	require.NoError(t, svc.users.Update(ctx, user))

	_, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	assert.ErrorIs(t, err, ErrUserDisabled)
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	svc, user, _ := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong password!!"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	locked, err := svc.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, locked.LockedUntil)
	assert.True(t, locked.LockedUntil.After(time.Now()))

	// Even the right password answers with the lock error while the lock
	// holds, and so does a wrong one.
	_, err = svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	assert.ErrorIs(t, err, ErrAccountLocked)
	_, err = svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong password!!"})
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestLoginAfterLockExpiresSucceedsAndResets(t *testing.T) {
	svc, user, _ := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong password!!"})
	}

	// Rewind the lock so the window has passed.
	locked, err := svc.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, locked.LockedUntil)
	past := time.Now().UTC().Add(-time.Minute)
	locked.LockedUntil = &past
	require.NoError(t, svc.users.Update(ctx, locked))

	_, err = svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	require.NoError(t, err)

	fresh, err := svc.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, fresh.FailedLoginCount)
	assert.Nil(t, fresh.LockedUntil)
}

func TestLoginSuccessResetsFailureCount(t *testing.T) {
	svc, user, _ := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = svc.Login(ctx, LoginRequest{Username: "alice", Password: "wrong password!!"})
	}
	_, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	require.NoError(t, err)

	fresh, err := svc.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, fresh.FailedLoginCount)
	assert.NotNil(t, fresh.LastLoginAt)
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	require.NoError(t, err)

	next, err := svc.Refresh(ctx, pair.RefreshToken, "", "")
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// The presented token was revoked during rotation and cannot be
	// replayed.
	_, err = svc.Refresh(ctx, pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	// The rotated token still works.
	_, err = svc.Refresh(ctx, next.RefreshToken, "", "")
	assert.NoError(t, err)
}

func TestRefreshUnknownToken(t *testing.T) {
	svc, _, _ := newTestAuth(t)

	_, err := svc.Refresh(context.Background(), "deadbeef", "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestLogoutRevokesSession(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()

	pair, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))

	_, err = svc.Refresh(ctx, pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	// Logging out an already revoked token is a no-op.
	assert.NoError(t, svc.Logout(ctx, pair.RefreshToken))
}

func TestChangePasswordRevokesAllSessions(t *testing.T) {
	svc, user, _ := newTestAuth(t)
	ctx := context.Background()

	first, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	require.NoError(t, err)
	second, err := svc.Login(ctx, LoginRequest{Username: "alice", Password: testPassword})
	require.NoError(t, err)

	const newPassword = "battery horse correct"
	require.NoError(t, svc.ChangePassword(ctx, user.ID, testPassword, newPassword))

	_, err = svc.Refresh(ctx, first.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
	_, err = svc.Refresh(ctx, second.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	_, err = svc.Login(ctx, LoginRequest{Username: "alice", Password: newPassword})
	assert.NoError(t, err)
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	svc, user, _ := newTestAuth(t)

	err := svc.ChangePassword(context.Background(), user.ID, "wrong password!!", "battery horse correct")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePasswordTooShort(t *testing.T) {
	svc, user, _ := newTestAuth(t)

	err := svc.ChangePassword(context.Background(), user.ID, testPassword, "short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
}

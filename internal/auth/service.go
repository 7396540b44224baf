// Package auth implements credential handling for the SceneForge server:
// password login with account lockout, HS256 access tokens, rotating
// refresh sessions, and scoped API keys with per-minute rate limits.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

const (
	// defaultRefreshTokenDuration applies when the config does not override
	// the refresh-session lifetime.
	defaultRefreshTokenDuration = 7 * 24 * time.Hour

	// maxFailedLogins is the number of consecutive password failures that
	// locks an account.
	maxFailedLogins = 5

	// lockoutDuration is how long an account stays locked after too many
	// failures.
	lockoutDuration = 15 * time.Minute

	// refreshTokenBytes is the length of the random refresh token before
	// hex encoding.
	refreshTokenBytes = 32
)

// TokenPair is the result of a successful login or refresh: a short-lived
// access JWT plus the raw refresh token. The raw refresh token is returned
// to the client exactly once; only its hash is stored.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// Service authenticates users against the database and manages refresh
// sessions.
type Service struct {
	users       repositories.UserRepository
	sessions    repositories.SessionRepository
	jwtManager  *JWTManager
	refreshTTL  time.Duration
	log         *zap.Logger
	roleNameFor func(db.LookupID) string
}

// NewService creates an auth Service. A refreshTTL of zero falls back to
// the seven-day default.
func NewService(
	users repositories.UserRepository,
	sessions repositories.SessionRepository,
	jwtManager *JWTManager,
	refreshTTL time.Duration,
	log *zap.Logger,
) *Service {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTokenDuration
	}
	return &Service{
		users:      users,
		sessions:   sessions,
		jwtManager: jwtManager,
		refreshTTL: refreshTTL,
		log:        log.Named("auth"),
		roleNameFor: func(roleID db.LookupID) string {
			if roleID == db.RoleAdmin {
				return "admin"
			}
			return "user"
		},
	}
}

// LoginRequest carries the credentials and client metadata for a login
// attempt.
type LoginRequest struct {
	Username  string
	Password  string
	UserAgent string
	IPAddress string
}

// Login validates username/password and returns a token pair on success.
//
// Unknown usernames and wrong passwords both return ErrInvalidCredentials
// so the endpoint reveals nothing about which case occurred. Each wrong
// password increments the failure counter; the fifth consecutive failure
// locks the account for fifteen minutes. While the lockout window is
// active the answer is ErrAccountLocked even for the correct password,
// and failures do not extend the window.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	user, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Burn a hash anyway so response timing does not reveal whether
			// the username exists.
			VerifyPassword(req.Password, "00:00")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching user by username: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	now := time.Now().UTC()
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return nil, ErrAccountLocked
	}

	if !VerifyPassword(req.Password, user.PasswordHash) {
		user.FailedLoginCount++
		if user.FailedLoginCount >= maxFailedLogins {
			lockedUntil := now.Add(lockoutDuration)
			user.LockedUntil = &lockedUntil
			user.FailedLoginCount = 0
			s.log.Warn("account locked after repeated login failures",
				zap.Int64("user_id", user.ID),
				zap.Time("locked_until", lockedUntil))
		}
		if err := s.users.Update(ctx, user); err != nil {
			s.log.Error("failed to record login failure", zap.Error(err))
		}
		return nil, ErrInvalidCredentials
	}

	user.FailedLoginCount = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	if err := s.users.Update(ctx, user); err != nil {
		s.log.Error("failed to record successful login", zap.Error(err))
	}

	return s.issueTokenPair(ctx, user, req.UserAgent, req.IPAddress)
}

// Refresh validates a refresh token, rotates it, and issues a new token
// pair. The old session is revoked before the new one is created, so even
// on partial failure the presented token can never be replayed.
func (s *Service) Refresh(ctx context.Context, rawToken, userAgent, ipAddress string) (*TokenPair, error) {
	session, err := s.sessions.GetByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching session: %w", err)
	}

	if session.RevokedAt != nil {
		return nil, ErrRefreshTokenNotFound
	}

	if err := s.sessions.Revoke(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("auth: revoking rotated session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: fetching user for refresh: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return s.issueTokenPair(ctx, user, userAgent, ipAddress)
}

// Logout revokes the session behind the given refresh token. A missing or
// already revoked token is a no-op; the client should clear its stored
// tokens regardless.
func (s *Service) Logout(ctx context.Context, rawToken string) error {
	session, err := s.sessions.GetByTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("auth: fetching session on logout: %w", err)
	}
	if err := s.sessions.Revoke(ctx, session.ID); err != nil {
		return fmt.Errorf("auth: revoking session on logout: %w", err)
	}
	return nil
}

// LogoutAll revokes every active session for a user. Called from the
// logout-all endpoint and after a password change.
func (s *Service) LogoutAll(ctx context.Context, userID db.ID) error {
	if err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("auth: revoking all sessions: %w", err)
	}
	return nil
}

// ChangePassword verifies the current password, stores the new hash, and
// revokes all existing sessions so stolen refresh tokens die with the old
// password.
func (s *Service) ChangePassword(ctx context.Context, userID db.ID, current, next string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("auth: fetching user for password change: %w", err)
	}

	if !VerifyPassword(current, user.PasswordHash) {
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(next)
	if err != nil {
		return err
	}

	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("auth: saving new password: %w", err)
	}

	return s.LogoutAll(ctx, userID)
}

// issueTokenPair generates a new access token and refresh token, persists
// the refresh session, and returns both.
func (s *Service) issueTokenPair(ctx context.Context, user *db.User, userAgent, ipAddress string) (*TokenPair, error) {
	accessToken, err := s.jwtManager.GenerateAccessToken(
		strconv.FormatInt(user.ID, 10),
		s.roleNameFor(user.RoleID),
	)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth: generating refresh token: %w", err)
	}

	expiresAt := time.Now().UTC().Add(s.refreshTTL)

	if err := s.sessions.Create(ctx, &db.Session{
		UserID:    user.ID,
		TokenHash: HashToken(rawRefresh),
		ExpiresAt: expiresAt,
		UserAgent: userAgent,
		IPAddress: ipAddress,
	}); err != nil {
		return nil, fmt.Errorf("auth: persisting session: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		RefreshToken:          rawRefresh,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

// HashToken returns the SHA-256 hex digest of a raw token. Refresh tokens
// and API keys are stored hashed; the plaintext lives only with the client.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generateRefreshToken returns a cryptographically random hex-encoded
// token string.
func generateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

package auth

import "errors"

// Sentinel errors returned by the auth service. Callers should use
// errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when username/password do not match.
	// Also returned for unknown usernames so the login endpoint never
	// reveals whether the username exists.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrAccountLocked is returned while an account's lockout window is
	// active, regardless of whether the presented password is correct.
	ErrAccountLocked = errors.New("auth: account locked")

	// ErrUserNotFound is returned when no user exists for the given identifier.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrUserDisabled is returned when the user account is inactive.
	ErrUserDisabled = errors.New("auth: user account is disabled")

	// ErrTokenExpired is returned when a JWT or refresh token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrRefreshTokenNotFound is returned when the provided refresh token
	// does not exist, was revoked, or has already been rotated out.
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")

	// ErrPasswordTooShort is returned when a new password does not meet the
	// minimum length requirement.
	ErrPasswordTooShort = errors.New("auth: password too short")

	// ErrKeyRevoked is returned when an API key has been revoked or
	// deactivated.
	ErrKeyRevoked = errors.New("auth: api key revoked")

	// ErrKeyExpired is returned when an API key is past its expiry.
	ErrKeyExpired = errors.New("auth: api key expired")

	// ErrScopeInsufficient is returned when an API key's scope does not
	// permit the attempted operation.
	ErrScopeInsufficient = errors.New("auth: insufficient scope")

	// ErrRateLimited is returned when an API key has exhausted its
	// per-minute request budget.
	ErrRateLimited = errors.New("auth: rate limit exceeded")
)

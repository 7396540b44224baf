package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultAccessTokenDuration applies when the config does not override the
// access-token lifetime. Short-lived by design, refresh tokens handle
// session continuity.
const defaultAccessTokenDuration = 15 * time.Minute

// Claims holds the custom JWT claims embedded in every access token.
// Standard claims (sub, exp, iat, iss, jti) are included via
// jwt.RegisteredClaims; sub carries the user id in decimal form.
type Claims struct {
	jwt.RegisteredClaims

	// Role is the user's role name at token issuance time. Access tokens
	// are short-lived so role staleness is acceptable.
	Role string `json:"role"`
}

// JWTManager handles HS256 signing and verification of access tokens with
// a shared symmetric secret loaded from configuration.
type JWTManager struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
}

// NewJWTManager creates a JWTManager. secret must be non-empty; a lifetime
// of zero falls back to the 15-minute default.
func NewJWTManager(secret []byte, issuer string, lifetime time.Duration) (*JWTManager, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	if lifetime <= 0 {
		lifetime = defaultAccessTokenDuration
	}
	return &JWTManager{
		secret:   secret,
		issuer:   issuer,
		lifetime: lifetime,
	}, nil
}

// GenerateAccessToken creates a signed HS256 JWT for the given user.
func (m *JWTManager) GenerateAccessToken(userID string, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
			// JTI identifies this token instance, useful if revocation via a
			// denylist is added later.
			ID: uuid.NewString(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}

	return signed, nil
}

// ValidateAccessToken parses and verifies a JWT string. Returns the
// embedded Claims on success, or a sentinel error on failure.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered/malformed ones.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC. This
			// prevents the "alg:none" and RSA confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

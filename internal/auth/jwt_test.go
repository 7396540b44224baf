package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManagerRoundTrip(t *testing.T) {
	mgr, err := NewJWTManager([]byte("test-secret"), "sceneforge", time.Minute)
	require.NoError(t, err)

	token, err := mgr.GenerateAccessToken("42", "admin")
	require.NoError(t, err)

	claims, err := mgr.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "sceneforge", claims.Issuer)
	assert.NotEmpty(t, claims.ID, "tokens carry a jti")
}

func TestJWTManagerRequiresSecret(t *testing.T) {
	_, err := NewJWTManager(nil, "sceneforge", time.Minute)
	assert.Error(t, err)
}

func TestJWTManagerRejectsExpiredToken(t *testing.T) {
	mgr, err := NewJWTManager([]byte("test-secret"), "sceneforge", time.Minute)
	require.NoError(t, err)
	mgr.lifetime = -time.Minute

	token, err := mgr.GenerateAccessToken("42", "user")
	require.NoError(t, err)

	_, err = mgr.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestJWTManagerRejectsWrongSecret(t *testing.T) {
	issuer, err := NewJWTManager([]byte("secret-a"), "sceneforge", time.Minute)
	require.NoError(t, err)
	verifier, err := NewJWTManager([]byte("secret-b"), "sceneforge", time.Minute)
	require.NoError(t, err)

	token, err := issuer.GenerateAccessToken("42", "user")
	require.NoError(t, err)

	_, err = verifier.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestJWTManagerRejectsWrongIssuer(t *testing.T) {
	issuer, err := NewJWTManager([]byte("test-secret"), "someone-else", time.Minute)
	require.NoError(t, err)
	verifier, err := NewJWTManager([]byte("test-secret"), "sceneforge", time.Minute)
	require.NoError(t, err)

	token, err := issuer.GenerateAccessToken("42", "user")
	require.NoError(t, err)

	_, err = verifier.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestJWTManagerRejectsGarbage(t *testing.T) {
	mgr, err := NewJWTManager([]byte("test-secret"), "sceneforge", time.Minute)
	require.NoError(t, err)

	_, err = mgr.ValidateAccessToken("not.a.jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

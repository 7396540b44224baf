package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

func newTestAPIKeys(t *testing.T) *APIKeyService {
	t.Helper()
	database := openTestDB(t)
	return NewAPIKeyService(repositories.NewAPIKeyRepository(database), NewRateLimiter(), zap.NewNop())
}

func TestGenerateAPIKeyShape(t *testing.T) {
	key, err := generateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, apiKeyLength)
	for _, c := range key {
		assert.Contains(t, apiKeyAlphabet, string(c))
	}

	other, err := generateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestAPIKeyCreateStoresHashOnly(t *testing.T) {
	svc := newTestAPIKeys(t)
	ctx := context.Background()

	key, plaintext, err := svc.Create(ctx, CreateKeyRequest{
		Name:      "ci",
		ScopeID:   db.ScopeWrite,
		CreatedBy: 1,
	})
	require.NoError(t, err)
	assert.Len(t, plaintext, apiKeyLength)
	assert.Equal(t, plaintext[:apiKeyPrefixLength], key.Prefix)
	assert.Equal(t, HashToken(plaintext), key.KeyHash)
	assert.NotContains(t, key.KeyHash, plaintext)
}

func TestAPIKeyAuthenticate(t *testing.T) {
	svc := newTestAPIKeys(t)
	ctx := context.Background()

	_, plaintext, err := svc.Create(ctx, CreateKeyRequest{
		Name:      "ci",
		ScopeID:   db.ScopeWrite,
		CreatedBy: 1,
	})
	require.NoError(t, err)

	key, err := svc.Authenticate(ctx, plaintext, true, db.ScopeRead)
	require.NoError(t, err)
	assert.Equal(t, "ci", key.Name)

	_, err = svc.Authenticate(ctx, "not-a-real-key", false, db.ScopeRead)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAPIKeyAuthenticateScopeChecks(t *testing.T) {
	svc := newTestAPIKeys(t)
	ctx := context.Background()

	_, plaintext, err := svc.Create(ctx, CreateKeyRequest{
		Name:      "reader",
		ScopeID:   db.ScopeRead,
		CreatedBy: 1,
	})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, plaintext, false, db.ScopeRead)
	assert.NoError(t, err)

	// A read key can neither write nor satisfy an admin endpoint.
	_, err = svc.Authenticate(ctx, plaintext, true, db.ScopeRead)
	assert.ErrorIs(t, err, ErrScopeInsufficient)
	_, err = svc.Authenticate(ctx, plaintext, false, db.ScopeAdmin)
	assert.ErrorIs(t, err, ErrScopeInsufficient)
}

func TestAPIKeyAuthenticateExpired(t *testing.T) {
	svc := newTestAPIKeys(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, plaintext, err := svc.Create(ctx, CreateKeyRequest{
		Name:      "stale",
		ScopeID:   db.ScopeRead,
		ExpiresAt: &past,
		CreatedBy: 1,
	})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, plaintext, false, db.ScopeRead)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestAPIKeyRotateInvalidatesOldPlaintext(t *testing.T) {
	svc := newTestAPIKeys(t)
	ctx := context.Background()

	created, oldPlaintext, err := svc.Create(ctx, CreateKeyRequest{
		Name:      "ci",
		ScopeID:   db.ScopeRead,
		CreatedBy: 1,
	})
	require.NoError(t, err)

	rotated, newPlaintext, err := svc.Rotate(ctx, created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldPlaintext, newPlaintext)
	assert.Equal(t, created.ID, rotated.ID)

	_, err = svc.Authenticate(ctx, oldPlaintext, false, db.ScopeRead)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = svc.Authenticate(ctx, newPlaintext, false, db.ScopeRead)
	assert.NoError(t, err)
}

func TestAPIKeyRevoke(t *testing.T) {
	svc := newTestAPIKeys(t)
	ctx := context.Background()

	created, plaintext, err := svc.Create(ctx, CreateKeyRequest{
		Name:      "ci",
		ScopeID:   db.ScopeRead,
		CreatedBy: 1,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, created.ID))

	_, err = svc.Authenticate(ctx, plaintext, false, db.ScopeRead)
	assert.ErrorIs(t, err, ErrKeyRevoked)

	_, _, err = svc.Rotate(ctx, created.ID)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestAPIKeyRateLimit(t *testing.T) {
	svc := newTestAPIKeys(t)
	ctx := context.Background()

	_, plaintext, err := svc.Create(ctx, CreateKeyRequest{
		Name:      "tight",
		ScopeID:   db.ScopeRead,
		ReadRPM:   2,
		CreatedBy: 1,
	})
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, plaintext, false, db.ScopeRead)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, plaintext, false, db.ScopeRead)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, plaintext, false, db.ScopeRead)
	assert.ErrorIs(t, err, ErrRateLimited)
}

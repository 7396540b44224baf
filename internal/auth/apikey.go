package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

const (
	// apiKeyLength is the plaintext key length in characters.
	apiKeyLength = 48

	// apiKeyPrefixLength is how many leading characters are stored in the
	// clear so operators can identify a key without seeing it.
	apiKeyPrefixLength = 8

	// apiKeyAlphabet is the character set for generated keys. Alphanumeric
	// only, so keys survive copy-paste through any tooling.
	apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// APIKeyService issues, rotates and authenticates API keys. Plaintext keys
// are returned exactly once at creation or rotation; only the SHA-256 hash
// is persisted.
type APIKeyService struct {
	keys    repositories.APIKeyRepository
	limiter *RateLimiter
	log     *zap.Logger
}

// NewAPIKeyService creates an APIKeyService backed by the given repository
// and limiter.
func NewAPIKeyService(keys repositories.APIKeyRepository, limiter *RateLimiter, log *zap.Logger) *APIKeyService {
	return &APIKeyService{
		keys:    keys,
		limiter: limiter,
		log:     log.Named("apikeys"),
	}
}

// CreateKeyRequest carries the attributes of a new API key.
type CreateKeyRequest struct {
	Name      string
	ScopeID   db.LookupID
	ProjectID *db.ID
	ReadRPM   int
	WriteRPM  int
	ExpiresAt *time.Time
	CreatedBy db.ID
}

// Create generates a new API key and returns the stored record together
// with the plaintext, which is never recoverable afterwards.
func (s *APIKeyService) Create(ctx context.Context, req CreateKeyRequest) (*db.APIKey, string, error) {
	plaintext, err := generateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("auth: generating api key: %w", err)
	}

	key := &db.APIKey{
		Name:      req.Name,
		ScopeID:   req.ScopeID,
		ProjectID: req.ProjectID,
		Prefix:    plaintext[:apiKeyPrefixLength],
		KeyHash:   HashToken(plaintext),
		IsActive:  true,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: req.CreatedBy,
	}
	if req.ReadRPM > 0 {
		key.ReadRPM = req.ReadRPM
	}
	if req.WriteRPM > 0 {
		key.WriteRPM = req.WriteRPM
	}

	if err := s.keys.Create(ctx, key); err != nil {
		return nil, "", err
	}

	s.log.Info("api key created",
		zap.Int64("key_id", key.ID),
		zap.String("prefix", key.Prefix))

	return key, plaintext, nil
}

// Rotate replaces a key's secret in place: a fresh plaintext is generated
// and the old one stops working immediately. Scope, limits and expiry are
// untouched.
func (s *APIKeyService) Rotate(ctx context.Context, id db.ID) (*db.APIKey, string, error) {
	key, err := s.keys.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !key.IsActive || key.RevokedAt != nil {
		return nil, "", ErrKeyRevoked
	}

	plaintext, err := generateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("auth: generating rotated api key: %w", err)
	}

	key.Prefix = plaintext[:apiKeyPrefixLength]
	key.KeyHash = HashToken(plaintext)
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, "", err
	}

	s.limiter.Forget(key.ID)
	s.log.Info("api key rotated",
		zap.Int64("key_id", key.ID),
		zap.String("prefix", key.Prefix))

	return key, plaintext, nil
}

// Revoke permanently deactivates a key.
func (s *APIKeyService) Revoke(ctx context.Context, id db.ID) error {
	if err := s.keys.Revoke(ctx, id); err != nil {
		return err
	}
	s.limiter.Forget(id)
	s.log.Info("api key revoked", zap.Int64("key_id", id))
	return nil
}

// Authenticate resolves a plaintext key to its record, checking active
// state, expiry, scope and the per-minute rate limit. write indicates
// whether the request mutates state; minScope is the scope the endpoint
// requires.
func (s *APIKeyService) Authenticate(ctx context.Context, plaintext string, write bool, minScope db.LookupID) (*db.APIKey, error) {
	key, err := s.keys.GetByKeyHash(ctx, HashToken(plaintext))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("auth: looking up api key: %w", err)
	}

	if !key.IsActive || key.RevokedAt != nil {
		return nil, ErrKeyRevoked
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}
	if key.ScopeID < minScope {
		return nil, ErrScopeInsufficient
	}
	if write && key.ScopeID < db.ScopeWrite {
		return nil, ErrScopeInsufficient
	}

	limit := key.ReadRPM
	if write {
		limit = key.WriteRPM
	}
	if !s.limiter.Allow(key.ID, write, limit) {
		return nil, ErrRateLimited
	}

	return key, nil
}

// generateAPIKey returns a random alphanumeric key of apiKeyLength
// characters. Rejection sampling keeps the character distribution uniform.
func generateAPIKey() (string, error) {
	out := make([]byte, 0, apiKeyLength)
	buf := make([]byte, apiKeyLength*2)
	for len(out) < apiKeyLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// 248 is the largest multiple of 62 below 256; bytes at or above
			// it would skew the distribution toward the alphabet's start.
			if b >= 248 {
				continue
			}
			out = append(out, apiKeyAlphabet[int(b)%len(apiKeyAlphabet)])
			if len(out) == apiKeyLength {
				break
			}
		}
	}
	return string(out), nil
}

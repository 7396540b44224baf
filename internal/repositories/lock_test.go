package repositories

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
)

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

func activeLock(entityType string, entityID, ownerID db.ID, ttl time.Duration) *db.EntityLock {
	now := time.Now().UTC()
	return &db.EntityLock{
		EntityType: entityType,
		EntityID:   entityID,
		OwnerID:    ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func TestAcquireConflictsOnSecondLock(t *testing.T) {
	repo := NewLockRepository(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Acquire(ctx, activeLock("scene", 1, 10, time.Minute)))

	// A second active lock on the same entity hits the partial unique
	// index, regardless of owner.
	err := repo.Acquire(ctx, activeLock("scene", 1, 11, time.Minute))
	assert.ErrorIs(t, err, ErrConflict)

	// A different entity of the same type is independent.
	assert.NoError(t, repo.Acquire(ctx, activeLock("scene", 2, 11, time.Minute)))
	// Same id under a different entity type is independent too.
	assert.NoError(t, repo.Acquire(ctx, activeLock("workflow", 1, 11, time.Minute)))
}

func TestReleaseRequiresOwner(t *testing.T) {
	repo := NewLockRepository(openTestDB(t))
	ctx := context.Background()

	lock := activeLock("scene", 1, 10, time.Minute)
	require.NoError(t, repo.Acquire(ctx, lock))

	// Someone else cannot release it.
	assert.ErrorIs(t, repo.Release(ctx, lock.ID, 11), ErrNotFound)

	require.NoError(t, repo.Release(ctx, lock.ID, 10))
	_, err := repo.GetActive(ctx, "scene", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	// Releasing twice finds nothing.
	assert.ErrorIs(t, repo.Release(ctx, lock.ID, 10), ErrNotFound)
}

func TestReleaseOwnerZeroForces(t *testing.T) {
	repo := NewLockRepository(openTestDB(t))
	ctx := context.Background()

	lock := activeLock("scene", 1, 10, time.Minute)
	require.NoError(t, repo.Acquire(ctx, lock))

	// Owner id zero skips the owner predicate: the admin path.
	require.NoError(t, repo.Release(ctx, lock.ID, 0))
	_, err := repo.GetActive(ctx, "scene", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseFreesTheEntityForReacquisition(t *testing.T) {
	repo := NewLockRepository(openTestDB(t))
	ctx := context.Background()

	lock := activeLock("scene", 1, 10, time.Minute)
	require.NoError(t, repo.Acquire(ctx, lock))
	require.NoError(t, repo.Release(ctx, lock.ID, 10))

	assert.NoError(t, repo.Acquire(ctx, activeLock("scene", 1, 11, time.Minute)))
}

func TestReleaseExpired(t *testing.T) {
	repo := NewLockRepository(openTestDB(t))
	ctx := context.Background()

	expired := activeLock("scene", 1, 10, -time.Minute)
	live := activeLock("scene", 2, 10, time.Hour)
	require.NoError(t, repo.Acquire(ctx, expired))
	require.NoError(t, repo.Acquire(ctx, live))

	n, err := repo.ReleaseExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetActive(ctx, "scene", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetActive(ctx, "scene", 2)
	assert.NoError(t, err)
}

func TestListActiveByOwner(t *testing.T) {
	repo := NewLockRepository(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Acquire(ctx, activeLock("scene", 1, 10, time.Minute)))
	require.NoError(t, repo.Acquire(ctx, activeLock("job", 5, 10, time.Minute)))
	require.NoError(t, repo.Acquire(ctx, activeLock("scene", 9, 11, time.Minute)))

	locks, err := repo.ListActiveByOwner(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, locks, 2)
}

func TestPresenceUpsertAndWindow(t *testing.T) {
	repo := NewLockRepository(openTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, repo.UpsertPresence(ctx, &db.Presence{
		UserID: 1, EntityType: "scene", EntityID: 3, LastSeenAt: now.Add(-time.Minute),
	}))
	// Refreshing the same pair updates instead of duplicating.
	require.NoError(t, repo.UpsertPresence(ctx, &db.Presence{
		UserID: 1, EntityType: "scene", EntityID: 3, LastSeenAt: now,
	}))
	require.NoError(t, repo.UpsertPresence(ctx, &db.Presence{
		UserID: 2, EntityType: "scene", EntityID: 3, LastSeenAt: now.Add(-time.Hour),
	}))

	present, err := repo.ListPresence(ctx, "scene", 3, now.Add(-2*time.Minute))
	require.NoError(t, err)
	require.Len(t, present, 1, "stale viewers fall outside the window")
	assert.Equal(t, db.ID(1), present[0].UserID)

	reaped, err := repo.DeleteStalePresence(ctx, now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)
}

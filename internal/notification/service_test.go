package notification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

func newTestService(t *testing.T) (*Service, repositories.NotificationRepository) {
	t.Helper()
	database := openTestDB(t)
	repo := repositories.NewNotificationRepository(database)
	return NewService(repo, zap.NewNop()), repo
}

func TestSetPreferenceDefaults(t *testing.T) {
	svc, _ := newTestService(t)

	pref, err := svc.SetPreference(context.Background(), 1, PreferenceUpdate{
		EventType: events.JobCompleted,
		Enabled:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, `["in_app"]`, pref.Channels)
	assert.Equal(t, "all", pref.Scope)
	assert.Equal(t, events.TypeID(events.JobCompleted), pref.EventTypeID)
}

func TestSetPreferenceRejectsUnknownEventType(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SetPreference(context.Background(), 1, PreferenceUpdate{
		EventType: "job.imaginary",
	})
	assert.Error(t, err)
}

func TestSetPreferenceRejectsBadChannel(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SetPreference(context.Background(), 1, PreferenceUpdate{
		EventType: events.JobCompleted,
		Channels:  []string{"carrier_pigeon"},
	})
	assert.ErrorIs(t, err, ErrBadChannel)
}

func TestSetPreferenceRejectsBadScope(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SetPreference(context.Background(), 1, PreferenceUpdate{
		EventType: events.JobCompleted,
		Scope:     "everyone",
	})
	assert.Error(t, err)
}

func TestSetPreferenceUpserts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SetPreference(ctx, 1, PreferenceUpdate{
		EventType: events.JobCompleted,
		Enabled:   true,
	})
	require.NoError(t, err)
	_, err = svc.SetPreference(ctx, 1, PreferenceUpdate{
		EventType: events.JobCompleted,
		Enabled:   false,
		Channels:  []string{db.ChannelEmail},
	})
	require.NoError(t, err)

	prefs, err := svc.Preferences(ctx, 1)
	require.NoError(t, err)
	require.Len(t, prefs, 1, "a second write for the same event type replaces the row")
	assert.False(t, prefs[0].Enabled)
	assert.Equal(t, `["email"]`, prefs[0].Channels)
}

func TestSettingsDefaultsWhenUnset(t *testing.T) {
	svc, _ := newTestService(t)

	settings, err := svc.Settings(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, settings.DNDEnabled)
	assert.False(t, settings.DigestEnabled)
	assert.Equal(t, "0 * * * *", settings.DigestCadence)
}

func TestSetSettingsValidatesCadence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SetSettings(ctx, &db.NotificationSetting{
		UserID:        1,
		DigestEnabled: true,
		DigestCadence: "whenever",
	})
	assert.ErrorIs(t, err, ErrBadCadence)

	saved, err := svc.SetSettings(ctx, &db.NotificationSetting{
		UserID:        1,
		DigestEnabled: true,
		DigestCadence: "*/30 * * * *",
	})
	require.NoError(t, err)
	assert.Equal(t, "*/30 * * * *", saved.DigestCadence)

	loaded, err := svc.Settings(ctx, 1)
	require.NoError(t, err)
	assert.True(t, loaded.DigestEnabled)
	assert.Equal(t, "*/30 * * * *", loaded.DigestCadence)
}

func TestMarkReadScopedToUser(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	row := &db.Notification{EventID: 1, UserID: 1, Channel: db.ChannelInApp}
	require.NoError(t, repo.Create(ctx, row))

	// Another user cannot mark it.
	require.Error(t, svc.MarkRead(ctx, row.ID, 2))

	require.NoError(t, svc.MarkRead(ctx, row.ID, 1))
	count, err := svc.CountUnread(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkAllRead(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, &db.Notification{
			EventID: db.ID(i + 1), UserID: 1, Channel: db.ChannelInApp,
		}))
	}
	require.NoError(t, repo.Create(ctx, &db.Notification{
		EventID: 9, UserID: 2, Channel: db.ChannelInApp,
	}))

	require.NoError(t, svc.MarkAllRead(ctx, 1))

	count, err := svc.CountUnread(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, count)

	otherCount, err := svc.CountUnread(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), otherCount)
}

package notification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
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

type recordingPusher struct {
	frames map[db.ID][][]byte
}

func (p *recordingPusher) PushToUser(userID db.ID, message []byte) {
	if p.frames == nil {
		p.frames = make(map[db.ID][][]byte)
	}
	p.frames[userID] = append(p.frames[userID], message)
}

type routerFixture struct {
	router *Router
	notifs repositories.NotificationRepository
	users  repositories.UserRepository
	bus    *events.Bus
	pusher *recordingPusher
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	database := openTestDB(t)

	notifs := repositories.NewNotificationRepository(database)
	users := repositories.NewUserRepository(database)
	settings := repositories.NewSettingsRepository(database)
	bus := events.NewBus(repositories.NewEventRepository(database), zap.NewNop())
	pusher := &recordingPusher{}

	return &routerFixture{
		router: NewRouter(notifs, users, settings, bus, pusher, zap.NewNop()),
		notifs: notifs,
		users:  users,
		bus:    bus,
		pusher: pusher,
	}
}

func (f *routerFixture) createUser(t *testing.T, username string, role db.LookupID) *db.User {
	t.Helper()
	user := &db.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "00:00",
		RoleID:       role,
		IsActive:     true,
	}
	require.NoError(t, f.users.Create(context.Background(), user))
	return user
}

func (f *routerFixture) publishAndRoute(t *testing.T, eventType string, actorID *db.ID, payload string) events.Envelope {
	t.Helper()
	env, err := f.bus.Publish(context.Background(), eventType, "job", 1, actorID, payload)
	require.NoError(t, err)
	require.NoError(t, f.router.route(context.Background(), *env))
	return *env
}

func TestRouteJobEventNotifiesActor(t *testing.T) {
	f := newRouterFixture(t)
	user := f.createUser(t, "alice", db.RoleUser)

	env := f.publishAndRoute(t, events.JobCompleted, &user.ID, `{"job_id":1}`)

	rows, _, err := f.notifs.ListByUser(context.Background(), user.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, env.ID, rows[0].EventID)
	assert.Equal(t, db.ChannelInApp, rows[0].Channel)
	assert.Nil(t, rows[0].ReadAt)

	// The live frame went out too, with the documented keys.
	frames := f.pusher.frames[user.ID]
	require.Len(t, frames, 1)
	var frame struct {
		Type      string          `json:"type"`
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp string          `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "notification", frame.Type)
	assert.Equal(t, events.JobCompleted, frame.EventType)
	assert.JSONEq(t, `{"job_id":1}`, string(frame.Payload))
	assert.NotEmpty(t, frame.Timestamp)
}

func TestRouteJobEventWithoutActorNotifiesSubmitter(t *testing.T) {
	f := newRouterFixture(t)
	user := f.createUser(t, "alice", db.RoleUser)
	other := f.createUser(t, "bob", db.RoleUser)

	// Worker-driven completions have no actor; the payload names the owner.
	payload, err := json.Marshal(map[string]any{"job_id": 1, "user_id": user.ID})
	require.NoError(t, err)
	f.publishAndRoute(t, events.JobCompleted, nil, string(payload))

	rows, _, err := f.notifs.ListByUser(context.Background(), user.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	otherRows, _, err := f.notifs.ListByUser(context.Background(), other.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, otherRows)
}

func TestRouteEventWithoutActorOrOwnerNotifiesNobody(t *testing.T) {
	f := newRouterFixture(t)
	user := f.createUser(t, "alice", db.RoleUser)

	f.publishAndRoute(t, events.JobCompleted, nil, "{}")

	rows, _, err := f.notifs.ListByUser(context.Background(), user.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRouteProgressEventsSkipNotifications(t *testing.T) {
	f := newRouterFixture(t)
	user := f.createUser(t, "alice", db.RoleUser)

	f.publishAndRoute(t, events.JobProgress, &user.ID, `{"pct":50}`)

	rows, _, err := f.notifs.ListByUser(context.Background(), user.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows, "progress goes to the client hub, not the notification table")
}

func TestRouteSystemEventNotifiesAdmins(t *testing.T) {
	f := newRouterFixture(t)
	admin := f.createUser(t, "root", db.RoleAdmin)
	user := f.createUser(t, "alice", db.RoleUser)

	f.publishAndRoute(t, events.SystemWorkerOffline, nil, `{"worker_id":3}`)

	adminRows, _, err := f.notifs.ListByUser(context.Background(), admin.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, adminRows, 1)

	userRows, _, err := f.notifs.ListByUser(context.Background(), user.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, userRows)
}

func TestRouteQuotaEventAlsoNotifiesTheActor(t *testing.T) {
	f := newRouterFixture(t)
	admin := f.createUser(t, "root", db.RoleAdmin)
	user := f.createUser(t, "alice", db.RoleUser)

	f.publishAndRoute(t, events.SystemQuotaExceeded, &user.ID, `{"mode":"soft"}`)

	for _, id := range []db.ID{admin.ID, user.ID} {
		rows, _, err := f.notifs.ListByUser(context.Background(), id, false, repositories.ListOptions{Limit: 10})
		require.NoError(t, err)
		assert.Len(t, rows, 1, "user %d", id)
	}
}

func TestRouteMentionNotifiesMentionedUsers(t *testing.T) {
	f := newRouterFixture(t)
	author := f.createUser(t, "author", db.RoleUser)
	alice := f.createUser(t, "alice", db.RoleUser)
	bob := f.createUser(t, "bob", db.RoleUser)

	payload, err := json.Marshal(map[string]any{
		"mentioned_user_ids": []db.ID{alice.ID, bob.ID},
		"comment":            "take a look",
	})
	require.NoError(t, err)

	f.publishAndRoute(t, events.CollabMention, &author.ID, string(payload))

	for _, id := range []db.ID{alice.ID, bob.ID} {
		rows, _, err := f.notifs.ListByUser(context.Background(), id, false, repositories.ListOptions{Limit: 10})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	}
	authorRows, _, err := f.notifs.ListByUser(context.Background(), author.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, authorRows, "the author is not notified of their own mention")
}

func TestRouteDisabledPreferenceSuppressesDelivery(t *testing.T) {
	f := newRouterFixture(t)
	user := f.createUser(t, "alice", db.RoleUser)
	ctx := context.Background()

	require.NoError(t, f.notifs.UpsertPreference(ctx, &db.NotificationPreference{
		UserID:      user.ID,
		EventTypeID: events.TypeID(events.JobCompleted),
		Enabled:     false,
		Channels:    `["in_app"]`,
		Scope:       "all",
	}))

	f.publishAndRoute(t, events.JobCompleted, &user.ID, "{}")

	rows, _, err := f.notifs.ListByUser(ctx, user.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRouteScopeOwnedFiltersOtherActors(t *testing.T) {
	f := newRouterFixture(t)
	admin := f.createUser(t, "root", db.RoleAdmin)
	other := f.createUser(t, "bob", db.RoleUser)
	ctx := context.Background()

	// The admin only wants quota alerts they caused themselves.
	require.NoError(t, f.notifs.UpsertPreference(ctx, &db.NotificationPreference{
		UserID:      admin.ID,
		EventTypeID: events.TypeID(events.SystemQuotaExceeded),
		Enabled:     true,
		Channels:    `["in_app"]`,
		Scope:       "owned",
	}))

	f.publishAndRoute(t, events.SystemQuotaExceeded, &other.ID, "{}")

	rows, _, err := f.notifs.ListByUser(ctx, admin.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows, "scope owned drops events caused by someone else")
}

func TestRouteDNDSuppressesNonCritical(t *testing.T) {
	f := newRouterFixture(t)
	user := f.createUser(t, "alice", db.RoleUser)
	ctx := context.Background()

	// Indefinite DND: DNDUntil nil.
	require.NoError(t, f.notifs.UpsertSettings(ctx, &db.NotificationSetting{
		UserID:     user.ID,
		DNDEnabled: true,
	}))

	f.publishAndRoute(t, events.JobCompleted, &user.ID, "{}")

	rows, _, err := f.notifs.ListByUser(ctx, user.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRouteCriticalEventBypassesDND(t *testing.T) {
	f := newRouterFixture(t)
	admin := f.createUser(t, "root", db.RoleAdmin)
	ctx := context.Background()

	require.NoError(t, f.notifs.UpsertSettings(ctx, &db.NotificationSetting{
		UserID:     admin.ID,
		DNDEnabled: true,
	}))

	f.publishAndRoute(t, events.SystemAlert, nil, `{"message":"disk full"}`)

	rows, _, err := f.notifs.ListByUser(ctx, admin.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "critical events cut through DND")
}

func TestRouteExpiredDNDDelivers(t *testing.T) {
	f := newRouterFixture(t)
	user := f.createUser(t, "alice", db.RoleUser)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.notifs.UpsertSettings(ctx, &db.NotificationSetting{
		UserID:     user.ID,
		DNDEnabled: true,
		DNDUntil:   &past,
	}))

	f.publishAndRoute(t, events.JobCompleted, &user.ID, "{}")

	rows, _, err := f.notifs.ListByUser(ctx, user.ID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRouteDigestQueuesInsteadOfDelivering(t *testing.T) {
	f := newRouterFixture(t)
	user := f.createUser(t, "alice", db.RoleUser)
	ctx := context.Background()

	require.NoError(t, f.notifs.UpsertSettings(ctx, &db.NotificationSetting{
		UserID:        user.ID,
		DigestEnabled: true,
		DigestCadence: "0 * * * *",
	}))

	f.publishAndRoute(t, events.JobCompleted, &user.ID, "{}")

	queued, err := f.notifs.ListDigestQueue(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, db.ChannelDigest, queued[0].Channel)

	// Nothing was pushed live.
	assert.Empty(t, f.pusher.frames[user.ID])
}

func TestDndActive(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.False(t, dndActive(&db.NotificationSetting{DNDEnabled: false}, now))
	assert.True(t, dndActive(&db.NotificationSetting{DNDEnabled: true}, now), "nil DNDUntil is indefinite")
	assert.True(t, dndActive(&db.NotificationSetting{DNDEnabled: true, DNDUntil: &future}, now))
	assert.False(t, dndActive(&db.NotificationSetting{DNDEnabled: true, DNDUntil: &past}, now))
}

func TestScopeMatches(t *testing.T) {
	actor := db.ID(7)
	env := events.Envelope{Type: events.JobCompleted, ActorID: &actor}

	assert.True(t, scopeMatches("all", env, 1))
	assert.True(t, scopeMatches("owned", env, 7))
	assert.False(t, scopeMatches("owned", env, 8))
	assert.False(t, scopeMatches("mentioned", env, 7))
	assert.True(t, scopeMatches("mentioned", events.Envelope{Type: events.CollabMention}, 7))
}

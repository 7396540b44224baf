package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// subscriberBuffer sizes the router's bus subscription. The router does
// database writes per event, so it gets a deeper buffer than read-only
// consumers.
const subscriberBuffer = 512

// defaultChannels applies when a user has no preference row for an event
// type.
var defaultChannels = []string{db.ChannelInApp}

// Pusher delivers a frame to every live client connection of one user.
// Implemented by the client WebSocket hub; defined here so this package
// does not depend on the transport.
type Pusher interface {
	PushToUser(userID db.ID, message []byte)
}

// Router consumes the event bus and fans each event out to its target
// users according to their preferences, Do-Not-Disturb window and digest
// settings.
type Router struct {
	notifs repositories.NotificationRepository
	users  repositories.UserRepository
	bus    *events.Bus
	pusher Pusher
	email  *emailSender
	log    *zap.Logger
}

// NewRouter wires the router. settings backs the SMTP configuration for
// the email channel.
func NewRouter(
	notifs repositories.NotificationRepository,
	users repositories.UserRepository,
	settings repositories.SettingsRepository,
	bus *events.Bus,
	pusher Pusher,
	log *zap.Logger,
) *Router {
	return &Router{
		notifs: notifs,
		users:  users,
		bus:    bus,
		pusher: pusher,
		email: newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
			return loadSMTPConfig(ctx, settings)
		}),
		log: log.Named("notification"),
	}
}

// Run consumes the bus until ctx is cancelled. Call in its own goroutine.
func (r *Router) Run(ctx context.Context) {
	ch, unsubscribe := r.bus.Subscribe("notification-router", subscriberBuffer)
	defer unsubscribe()

	r.log.Info("notification router started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("notification router stopped")
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if err := r.route(ctx, env); err != nil {
				r.log.Error("event routing failed",
					zap.String("event", env.Type),
					zap.Int64("event_id", env.ID),
					zap.Error(err))
			}
		}
	}
}

// route resolves the target users for one event and runs the delivery
// pipeline for each. A failure for one user does not block the others.
func (r *Router) route(ctx context.Context, env events.Envelope) error {
	targets, err := r.targets(ctx, env)
	if err != nil {
		return err
	}

	var firstErr error
	for _, userID := range targets {
		if err := r.deliverToUser(ctx, env, userID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// targets decides who an event concerns. Job and review events notify the
// acting user, or the owning user from the payload when no actor is
// recorded. System events notify administrators, mentions notify the
// users named in the payload. Progress and test events never produce
// notifications: progress goes straight to the client hub and test
// deliveries belong to the webhook engine.
func (r *Router) targets(ctx context.Context, env events.Envelope) ([]db.ID, error) {
	switch env.Type {
	case events.JobProgress, events.WebhookTest:
		return nil, nil

	case events.CollabMention:
		var payload struct {
			MentionedUserIDs []db.ID `json:"mentioned_user_ids"`
		}
		if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil {
			r.log.Warn("mention payload malformed", zap.Int64("event_id", env.ID))
			return nil, nil
		}
		return payload.MentionedUserIDs, nil

	case events.SystemAlert, events.SystemWorkerOffline, events.SystemQuotaExceeded:
		admins, err := r.users.ListAdmins(ctx)
		if err != nil {
			return nil, fmt.Errorf("notification: listing admins: %w", err)
		}
		ids := make([]db.ID, 0, len(admins))
		for _, a := range admins {
			ids = append(ids, a.ID)
		}
		// Quota events also concern the user who hit the quota.
		if env.Type == events.SystemQuotaExceeded && env.ActorID != nil {
			ids = appendUnique(ids, *env.ActorID)
		}
		return ids, nil

	default:
		if env.ActorID != nil {
			return []db.ID{*env.ActorID}, nil
		}
		// Machine-originated events (bridge, dispatcher, sweeps) carry no
		// actor but still concern the owning user named in the payload.
		var payload struct {
			UserID db.ID `json:"user_id"`
		}
		if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil || payload.UserID == 0 {
			return nil, nil
		}
		return []db.ID{payload.UserID}, nil
	}
}

// deliverToUser runs the per-user pipeline: preference, DND, digest, then
// channel delivery.
func (r *Router) deliverToUser(ctx context.Context, env events.Envelope, userID db.ID) error {
	channels, enabled, err := r.channelsFor(ctx, env, userID)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	critical := events.IsCritical(env.Type)

	settings, err := r.notifs.GetSettings(ctx, userID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("notification: loading settings for user %d: %w", userID, err)
	}
	if settings != nil && !critical {
		if dndActive(settings, time.Now()) {
			return nil
		}
		if settings.DigestEnabled {
			// Queue for the next digest flush instead of immediate delivery.
			return r.notifs.Create(ctx, &db.Notification{
				EventID: env.ID,
				UserID:  userID,
				Channel: db.ChannelDigest,
			})
		}
	}

	var firstErr error
	for _, channel := range channels {
		if err := r.deliverChannel(ctx, env, userID, channel); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// channelsFor evaluates the user's preference row for the event type. No
// row means enabled on the default channels.
func (r *Router) channelsFor(ctx context.Context, env events.Envelope, userID db.ID) ([]string, bool, error) {
	pref, err := r.notifs.GetPreference(ctx, userID, events.TypeID(env.Type))
	if errors.Is(err, repositories.ErrNotFound) {
		return defaultChannels, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("notification: loading preference: %w", err)
	}
	if !pref.Enabled {
		return nil, false, nil
	}
	if !scopeMatches(pref.Scope, env, userID) {
		return nil, false, nil
	}

	var channels []string
	if err := json.Unmarshal([]byte(pref.Channels), &channels); err != nil || len(channels) == 0 {
		channels = defaultChannels
	}
	return channels, true, nil
}

// scopeMatches applies the preference scope. "owned" restricts delivery
// to events the user caused themselves, "mentioned" to explicit mentions.
func scopeMatches(scope string, env events.Envelope, userID db.ID) bool {
	switch scope {
	case "owned":
		return env.ActorID != nil && *env.ActorID == userID
	case "mentioned":
		return env.Type == events.CollabMention
	default:
		return true
	}
}

// deliverChannel performs delivery on one channel. The webhook channel is
// intentionally a no-op here: the webhook engine subscribes to the bus
// directly and matches subscriptions by event type, so routing it again
// per user would duplicate deliveries.
func (r *Router) deliverChannel(ctx context.Context, env events.Envelope, userID db.ID, channel string) error {
	switch channel {
	case db.ChannelInApp:
		return r.deliverInApp(ctx, env, userID)
	case db.ChannelEmail:
		return r.deliverEmail(ctx, env, userID)
	case db.ChannelWebhook, db.ChannelDigest:
		return nil
	default:
		r.log.Warn("preference names unknown channel",
			zap.String("channel", channel),
			zap.Int64("user_id", userID))
		return nil
	}
}

func (r *Router) deliverInApp(ctx context.Context, env events.Envelope, userID db.ID) error {
	row := &db.Notification{
		EventID: env.ID,
		UserID:  userID,
		Channel: db.ChannelInApp,
	}
	if err := r.notifs.Create(ctx, row); err != nil {
		return fmt.Errorf("notification: creating in-app row: %w", err)
	}

	if r.pusher != nil {
		frame, err := json.Marshal(map[string]any{
			"type":       "notification",
			"event_type": env.Type,
			"payload":    json.RawMessage(env.Payload),
			"timestamp":  env.CreatedAt.UTC().Format(time.RFC3339),
		})
		if err == nil {
			r.pusher.PushToUser(userID, frame)
		}
	}
	return nil
}

func (r *Router) deliverEmail(ctx context.Context, env events.Envelope, userID db.ID) error {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("notification: loading user %d: %w", userID, err)
	}

	subject, body := composeEmail(env)
	if err := r.email.Send(ctx, []string{user.Email}, subject, body); err != nil {
		return err
	}

	return r.notifs.Create(ctx, &db.Notification{
		EventID: env.ID,
		UserID:  userID,
		Channel: db.ChannelEmail,
	})
}

// composeEmail renders a terse plain-text email for one event.
func composeEmail(env events.Envelope) (subject, body string) {
	subject = fmt.Sprintf("[SceneForge] %s", env.Type)
	body = fmt.Sprintf(
		"Event:   %s\r\nSource:  %s #%d\r\nTime:    %s\r\n\r\n%s\r\n",
		env.Type,
		env.SourceType, env.SourceID,
		env.CreatedAt.UTC().Format(time.RFC1123Z),
		env.Payload,
	)
	return subject, body
}

// dndActive reports whether Do-Not-Disturb suppresses delivery at t. A
// nil DNDUntil with DNDEnabled set means indefinite.
func dndActive(s *db.NotificationSetting, t time.Time) bool {
	if !s.DNDEnabled {
		return false
	}
	return s.DNDUntil == nil || t.Before(*s.DNDUntil)
}

func appendUnique(ids []db.ID, id db.ID) []db.ID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

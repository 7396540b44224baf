package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// validChannels are the channels a preference may name.
var validChannels = map[string]bool{
	db.ChannelInApp:   true,
	db.ChannelEmail:   true,
	db.ChannelWebhook: true,
}

// validScopes are the delivery scopes a preference may name.
var validScopes = map[string]bool{
	"all":       true,
	"owned":     true,
	"mentioned": true,
}

// Service exposes the user-facing notification operations backing the
// API: the inbox, per-type preferences and global settings.
type Service struct {
	notifs repositories.NotificationRepository
	log    *zap.Logger
}

func NewService(notifs repositories.NotificationRepository, log *zap.Logger) *Service {
	return &Service{notifs: notifs, log: log.Named("notification")}
}

// List returns a page of the user's notifications, optionally unread
// only, newest first, with the total count.
func (s *Service) List(ctx context.Context, userID db.ID, unreadOnly bool, opts repositories.ListOptions) ([]db.Notification, int64, error) {
	return s.notifs.ListByUser(ctx, userID, unreadOnly, opts)
}

// CountUnread returns the user's unread badge count.
func (s *Service) CountUnread(ctx context.Context, userID db.ID) (int64, error) {
	return s.notifs.CountUnread(ctx, userID)
}

// MarkRead marks one notification read. Scoped to the user so one user
// cannot mark another's rows.
func (s *Service) MarkRead(ctx context.Context, id, userID db.ID) error {
	return s.notifs.MarkRead(ctx, id, userID)
}

// MarkAllRead marks every unread notification of the user read.
func (s *Service) MarkAllRead(ctx context.Context, userID db.ID) error {
	return s.notifs.MarkAllRead(ctx, userID)
}

// Preferences returns the user's explicit preference rows. Event types
// without a row use the defaults (enabled, in-app).
func (s *Service) Preferences(ctx context.Context, userID db.ID) ([]db.NotificationPreference, error) {
	return s.notifs.ListPreferencesByUser(ctx, userID)
}

// PreferenceUpdate carries one preference write from the API.
type PreferenceUpdate struct {
	EventType string   `json:"event_type"`
	Enabled   bool     `json:"enabled"`
	Channels  []string `json:"channels"`
	Scope     string   `json:"scope"`
}

// SetPreference validates and upserts one per-event-type preference.
func (s *Service) SetPreference(ctx context.Context, userID db.ID, upd PreferenceUpdate) (*db.NotificationPreference, error) {
	if !events.KnownType(upd.EventType) {
		return nil, fmt.Errorf("notification: unknown event type %q", upd.EventType)
	}
	if len(upd.Channels) == 0 {
		upd.Channels = []string{db.ChannelInApp}
	}
	for _, ch := range upd.Channels {
		if !validChannels[ch] {
			return nil, fmt.Errorf("%w: %q", ErrBadChannel, ch)
		}
	}
	if upd.Scope == "" {
		upd.Scope = "all"
	}
	if !validScopes[upd.Scope] {
		return nil, fmt.Errorf("notification: unknown scope %q", upd.Scope)
	}

	channelsJSON, err := json.Marshal(upd.Channels)
	if err != nil {
		return nil, fmt.Errorf("notification: encoding channels: %w", err)
	}

	pref := &db.NotificationPreference{
		UserID:      userID,
		EventTypeID: events.TypeID(upd.EventType),
		Enabled:     upd.Enabled,
		Channels:    string(channelsJSON),
		Scope:       upd.Scope,
	}
	if err := s.notifs.UpsertPreference(ctx, pref); err != nil {
		return nil, fmt.Errorf("notification: saving preference: %w", err)
	}
	return pref, nil
}

// Settings returns the user's global settings, or the defaults when the
// user has never written any.
func (s *Service) Settings(ctx context.Context, userID db.ID) (*db.NotificationSetting, error) {
	settings, err := s.notifs.GetSettings(ctx, userID)
	if errors.Is(err, repositories.ErrNotFound) {
		return &db.NotificationSetting{
			UserID:        userID,
			DigestCadence: "0 * * * *",
		}, nil
	}
	return settings, err
}

// SetSettings validates and upserts the user's global settings. The
// digest cadence must be a standard five-field cron expression.
func (s *Service) SetSettings(ctx context.Context, settings *db.NotificationSetting) (*db.NotificationSetting, error) {
	if settings.DigestCadence == "" {
		settings.DigestCadence = "0 * * * *"
	}
	if _, err := ParseCadence(settings.DigestCadence); err != nil {
		return nil, err
	}
	if err := s.notifs.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("notification: saving settings: %w", err)
	}
	return settings, nil
}

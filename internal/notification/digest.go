package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// digestCheckInterval is how often the digester evaluates user cadences.
// One minute matches the resolution of standard cron expressions.
const digestCheckInterval = time.Minute

// cadenceParser validates and parses user digest cadences. Standard
// five-field cron, no seconds, no descriptors.
var cadenceParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCadence validates a digest cadence expression. Used by the service
// on writes and by the digester on reads, so a row that passed validation
// can still be skipped defensively if it no longer parses.
func ParseCadence(expr string) (cron.Schedule, error) {
	sched, err := cadenceParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrBadCadence, expr, err)
	}
	return sched, nil
}

// Digester flushes queued digest notifications on each user's cadence as
// one consolidated email.
type Digester struct {
	notifs repositories.NotificationRepository
	users  repositories.UserRepository
	evts   repositories.EventRepository
	email  *emailSender
	log    *zap.Logger

	lastCheck time.Time
}

// NewDigester wires a digester sharing the router's email transport.
func NewDigester(
	notifs repositories.NotificationRepository,
	users repositories.UserRepository,
	evts repositories.EventRepository,
	settings repositories.SettingsRepository,
	log *zap.Logger,
) *Digester {
	return &Digester{
		notifs: notifs,
		users:  users,
		evts:   evts,
		email: newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
			return loadSMTPConfig(ctx, settings)
		}),
		log:       log.Named("digest"),
		lastCheck: time.Now(),
	}
}

// Run ticks every minute until ctx is cancelled. Call in its own
// goroutine.
func (d *Digester) Run(ctx context.Context) {
	ticker := time.NewTicker(digestCheckInterval)
	defer ticker.Stop()

	d.log.Info("digester started")
	for {
		select {
		case <-ctx.Done():
			d.log.Info("digester stopped")
			return
		case now := <-ticker.C:
			d.tick(ctx, now)
		}
	}
}

// tick flushes every user whose cadence fired since the previous check.
func (d *Digester) tick(ctx context.Context, now time.Time) {
	since := d.lastCheck
	d.lastCheck = now

	enabled, err := d.notifs.ListDigestEnabled(ctx)
	if err != nil {
		d.log.Error("listing digest-enabled users failed", zap.Error(err))
		return
	}

	for _, setting := range enabled {
		sched, err := ParseCadence(setting.DigestCadence)
		if err != nil {
			d.log.Warn("skipping unparseable cadence",
				zap.Int64("user_id", setting.UserID),
				zap.String("cadence", setting.DigestCadence))
			continue
		}
		if sched.Next(since).After(now) {
			continue
		}
		if err := d.flush(ctx, setting.UserID); err != nil {
			d.log.Error("digest flush failed",
				zap.Int64("user_id", setting.UserID),
				zap.Error(err))
		}
	}
}

// flush sends one consolidated email for a user's queued digest rows and
// marks them read. An empty queue is a no-op.
func (d *Digester) flush(ctx context.Context, userID db.ID) error {
	queued, err := d.notifs.ListDigestQueue(ctx, userID)
	if err != nil {
		return fmt.Errorf("notification: listing digest queue: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}

	user, err := d.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("notification: loading user %d: %w", userID, err)
	}

	subject := fmt.Sprintf("[SceneForge] Digest: %d notifications", len(queued))
	body := d.composeDigest(ctx, queued)
	if err := d.email.Send(ctx, []string{user.Email}, subject, body); err != nil {
		return err
	}

	for _, row := range queued {
		if err := d.notifs.MarkRead(ctx, row.ID, userID); err != nil {
			d.log.Warn("marking digest row read failed",
				zap.Int64("notification_id", row.ID),
				zap.Error(err))
		}
	}

	d.log.Info("digest flushed",
		zap.Int64("user_id", userID),
		zap.Int("count", len(queued)))
	return nil
}

// composeDigest renders one line per queued notification, resolving the
// underlying event for its type and source. Rows whose event has been
// pruned still appear, just without detail.
func (d *Digester) composeDigest(ctx context.Context, queued []db.Notification) string {
	var sb strings.Builder
	sb.WriteString("Activity since your last digest:\r\n\r\n")
	for _, row := range queued {
		evt, err := d.evts.GetByID(ctx, row.EventID)
		if err != nil {
			sb.WriteString(fmt.Sprintf("- %s: (event pruned)\r\n",
				row.CreatedAt.UTC().Format("Jan 2 15:04")))
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s on %s #%d\r\n",
			evt.CreatedAt.UTC().Format("Jan 2 15:04"),
			events.TypeName(evt.EventTypeID),
			evt.SourceType, evt.SourceID))
	}
	return sb.String()
}

// Package maintenance runs the background sweeps that keep operational
// tables bounded: expired sessions, read notifications, old events and
// queue metrics, expired locks, stale presence and rate-limit windows,
// and silent workers. It wraps
// gocron; every sweep runs in singleton mode so a slow database never
// stacks overlapping runs.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// Retention windows and sweep cadences. Deliberately conservative; the
// tables involved are append-heavy but small per row.
const (
	sessionSweepInterval      = time.Hour
	notificationSweepInterval = 24 * time.Hour
	notificationRetention     = 30 * 24 * time.Hour
	eventSweepInterval        = 24 * time.Hour
	eventRetention            = 90 * 24 * time.Hour
	metricSweepInterval       = time.Hour
	metricRetention           = 7 * 24 * time.Hour
	limiterPruneInterval      = 10 * time.Minute
	workerSweepInterval       = time.Minute
	lockSweepInterval         = time.Minute
	presenceSweepInterval     = time.Minute

	// presenceStaleThreshold is how long a presence heartbeat may go
	// unrefreshed before the viewer is considered gone.
	presenceStaleThreshold = 5 * time.Minute

	// workerSilenceThreshold is how long a worker may go without a
	// heartbeat before it is marked offline.
	workerSilenceThreshold = 2 * time.Minute
)

// Sweeper owns the gocron scheduler and all periodic sweeps.
type Sweeper struct {
	cron     gocron.Scheduler
	sessions repositories.SessionRepository
	notifs   repositories.NotificationRepository
	evts     repositories.EventRepository
	metrics  repositories.MetricRepository
	workers  repositories.WorkerRepository
	locks    repositories.LockRepository
	limiter  *auth.RateLimiter
	bus      *events.Bus
	logger   *zap.Logger
}

// New creates a configured Sweeper. Call Start to begin processing.
func New(
	sessions repositories.SessionRepository,
	notifs repositories.NotificationRepository,
	evts repositories.EventRepository,
	metrics repositories.MetricRepository,
	workers repositories.WorkerRepository,
	locks repositories.LockRepository,
	limiter *auth.RateLimiter,
	bus *events.Bus,
	logger *zap.Logger,
) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("maintenance: creating scheduler: %w", err)
	}
	return &Sweeper{
		cron:     s,
		sessions: sessions,
		notifs:   notifs,
		evts:     evts,
		metrics:  metrics,
		workers:  workers,
		locks:    locks,
		limiter:  limiter,
		bus:      bus,
		logger:   logger.Named("maintenance"),
	}, nil
}

// Start registers all sweeps and starts the scheduler.
func (s *Sweeper) Start() error {
	sweeps := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context)
	}{
		{"expired-sessions", sessionSweepInterval, s.sweepSessions},
		{"read-notifications", notificationSweepInterval, s.sweepNotifications},
		{"old-events", eventSweepInterval, s.sweepEvents},
		{"queue-metrics", metricSweepInterval, s.sweepMetrics},
		{"rate-limiter", limiterPruneInterval, s.pruneLimiter},
		{"silent-workers", workerSweepInterval, s.sweepWorkers},
		{"expired-locks", lockSweepInterval, s.sweepLocks},
		{"stale-presence", presenceSweepInterval, s.sweepPresence},
	}

	for _, sweep := range sweeps {
		run := sweep.run
		_, err := s.cron.NewJob(
			gocron.DurationJob(sweep.interval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				run(ctx)
			}),
			gocron.WithTags(sweep.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("maintenance: registering %s: %w", sweep.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance started", zap.Int("sweeps", len(sweeps)))
	return nil
}

// Stop shuts the scheduler down, waiting for running sweeps to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance: shutdown: %w", err)
	}
	s.logger.Info("maintenance stopped")
	return nil
}

func (s *Sweeper) sweepSessions(ctx context.Context) {
	n, err := s.sessions.DeleteExpired(ctx, time.Now().UTC())
	s.report("expired sessions", n, err)
}

func (s *Sweeper) sweepNotifications(ctx context.Context) {
	n, err := s.notifs.DeleteReadOlderThan(ctx, time.Now().Add(-notificationRetention))
	s.report("read notifications", n, err)
}

func (s *Sweeper) sweepEvents(ctx context.Context) {
	n, err := s.evts.DeleteOlderThan(ctx, time.Now().Add(-eventRetention))
	s.report("old events", n, err)
}

func (s *Sweeper) sweepMetrics(ctx context.Context) {
	n, err := s.metrics.DeleteQueueMetricsOlderThan(ctx, time.Now().Add(-metricRetention))
	s.report("queue metrics", n, err)
}

func (s *Sweeper) sweepLocks(ctx context.Context) {
	n, err := s.locks.ReleaseExpired(ctx, time.Now().UTC())
	s.report("expired locks", n, err)
}

func (s *Sweeper) sweepPresence(ctx context.Context) {
	n, err := s.locks.DeleteStalePresence(ctx, time.Now().Add(-presenceStaleThreshold))
	s.report("stale presence", n, err)
}

func (s *Sweeper) pruneLimiter(context.Context) {
	s.limiter.Prune()
}

// sweepWorkers marks workers offline when their heartbeat goes silent and
// publishes the critical worker-offline event so admins hear about it.
func (s *Sweeper) sweepWorkers(ctx context.Context) {
	online, err := s.workers.ListByStatus(ctx, db.WorkerOnline)
	if err != nil {
		s.logger.Error("listing online workers failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-workerSilenceThreshold)
	for i := range online {
		worker := &online[i]
		if worker.LastHeartbeatAt != nil && worker.LastHeartbeatAt.After(cutoff) {
			continue
		}

		if err := s.workers.UpdateStatus(ctx, worker.ID, db.WorkerOffline); err != nil {
			s.logger.Error("marking worker offline failed",
				zap.String("worker", worker.Name), zap.Error(err))
			continue
		}
		s.logger.Warn("worker heartbeat silent, marked offline",
			zap.String("worker", worker.Name))

		payload := fmt.Sprintf(`{"worker_id":%d,"worker_name":%q,"reason":"heartbeat timeout"}`,
			worker.ID, worker.Name)
		if _, err := s.bus.Publish(ctx, events.SystemWorkerOffline, "worker", worker.ID, nil, payload); err != nil {
			s.logger.Error("publishing worker-offline failed", zap.Error(err))
		}
	}
}

func (s *Sweeper) report(what string, n int64, err error) {
	if err != nil {
		s.logger.Error("sweep failed", zap.String("sweep", what), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("sweep completed", zap.String("sweep", what), zap.Int64("removed", n))
	}
}

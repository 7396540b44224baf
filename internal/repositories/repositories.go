// Package repositories contains the data-access layer: one interface per
// aggregate with a GORM-backed implementation. Services depend on the
// interfaces only, which keeps them testable against the in-memory SQLite
// driver.
package repositories

import (
	"context"
	"time"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id db.ID) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	Delete(ctx context.Context, id db.ID) error
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
	ListAdmins(ctx context.Context) ([]db.User, error)

	// Quota
	GetQuota(ctx context.Context, userID db.ID) (*db.UserQuota, error)
	UpsertQuota(ctx context.Context, quota *db.UserQuota) error
}

// -----------------------------------------------------------------------------
// SessionRepository
// -----------------------------------------------------------------------------

type SessionRepository interface {
	Create(ctx context.Context, session *db.Session) error
	GetByTokenHash(ctx context.Context, hash string) (*db.Session, error)
	Revoke(ctx context.Context, id db.ID) error
	RevokeAllForUser(ctx context.Context, userID db.ID) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// APIKeyRepository
// -----------------------------------------------------------------------------

type APIKeyRepository interface {
	Create(ctx context.Context, key *db.APIKey) error
	GetByID(ctx context.Context, id db.ID) (*db.APIKey, error)
	GetByKeyHash(ctx context.Context, hash string) (*db.APIKey, error)
	Update(ctx context.Context, key *db.APIKey) error
	Revoke(ctx context.Context, id db.ID) error
	List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error)
}

// -----------------------------------------------------------------------------
// WorkerRepository
// -----------------------------------------------------------------------------

type WorkerRepository interface {
	Create(ctx context.Context, worker *db.Worker) error
	GetByID(ctx context.Context, id db.ID) (*db.Worker, error)
	GetByName(ctx context.Context, name string) (*db.Worker, error)
	Update(ctx context.Context, worker *db.Worker) error
	UpdateLoad(ctx context.Context, id db.ID, gpuPercent float64, activeJobs, queueDepth int, heartbeatAt time.Time) error
	UpdateStatus(ctx context.Context, id db.ID, status string) error
	Delete(ctx context.Context, id db.ID) error
	List(ctx context.Context, opts ListOptions) ([]db.Worker, int64, error)
	ListByStatus(ctx context.Context, status string) ([]db.Worker, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobFilter narrows job list queries. Zero values mean "any".
type JobFilter struct {
	UserID   db.ID
	WorkerID db.ID
	Status   db.JobStatus
	Kind     string
}

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id db.ID) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	List(ctx context.Context, filter JobFilter, opts ListOptions) ([]db.Job, int64, error)

	// Transition atomically loads the job under a row lock, applies fn and
	// persists the mutated job plus the audit row fn returns. fn returning
	// an error aborts the transaction. A nil transition row means fn decided
	// the change is a no-op; the job is still saved.
	Transition(ctx context.Context, id db.ID, fn func(job *db.Job) (*db.JobTransition, error)) (*db.Job, error)

	ListTransitions(ctx context.Context, jobID db.ID) ([]db.JobTransition, error)

	// Scheduler queries
	ListDueScheduled(ctx context.Context, now time.Time) ([]db.Job, error)
	ListPendingForDispatch(ctx context.Context, limit int) ([]db.Job, error)
	CountByStatus(ctx context.Context) (map[db.JobStatus]int, error)
	GPUSecondsUsed(ctx context.Context, userID db.ID, since time.Time) (int64, error)

	// Executions
	CreateExecution(ctx context.Context, exec *db.Execution) error
	GetExecutionByPromptID(ctx context.Context, promptID string) (*db.Execution, error)
	UpdateExecution(ctx context.Context, exec *db.Execution) error
	ListActiveExecutionsByWorker(ctx context.Context, workerID db.ID) ([]db.Execution, error)
}

// -----------------------------------------------------------------------------
// EventRepository
// -----------------------------------------------------------------------------

// EventFilter narrows event list queries. Zero values mean "any".
type EventFilter struct {
	EventTypeID db.LookupID
	SourceID    db.ID
	Since       time.Time
}

type EventRepository interface {
	Create(ctx context.Context, event *db.Event) error
	GetByID(ctx context.Context, id db.ID) (*db.Event, error)
	List(ctx context.Context, filter EventFilter, opts ListOptions) ([]db.Event, int64, error)
	ListTypes(ctx context.Context) ([]db.EventType, error)
	DeleteOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// NotificationRepository
// -----------------------------------------------------------------------------

type NotificationRepository interface {
	Create(ctx context.Context, notification *db.Notification) error
	BulkCreate(ctx context.Context, notifications []db.Notification) error
	GetByID(ctx context.Context, id db.ID) (*db.Notification, error)
	ListByUser(ctx context.Context, userID db.ID, unreadOnly bool, opts ListOptions) ([]db.Notification, int64, error)
	CountUnread(ctx context.Context, userID db.ID) (int64, error)
	MarkRead(ctx context.Context, id, userID db.ID) error
	MarkAllRead(ctx context.Context, userID db.ID) error
	DeleteReadOlderThan(ctx context.Context, t time.Time) (int64, error)

	// Digest queue: rows created on the digest channel and not yet flushed.
	ListDigestQueue(ctx context.Context, userID db.ID) ([]db.Notification, error)

	// Preferences
	GetPreference(ctx context.Context, userID db.ID, eventTypeID db.LookupID) (*db.NotificationPreference, error)
	ListPreferencesByUser(ctx context.Context, userID db.ID) ([]db.NotificationPreference, error)
	UpsertPreference(ctx context.Context, pref *db.NotificationPreference) error

	// Settings
	GetSettings(ctx context.Context, userID db.ID) (*db.NotificationSetting, error)
	UpsertSettings(ctx context.Context, settings *db.NotificationSetting) error
	ListDigestEnabled(ctx context.Context) ([]db.NotificationSetting, error)
}

// -----------------------------------------------------------------------------
// WebhookRepository
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, webhook *db.Webhook) error
	GetByID(ctx context.Context, id db.ID) (*db.Webhook, error)
	Update(ctx context.Context, webhook *db.Webhook) error
	Delete(ctx context.Context, id db.ID) error
	List(ctx context.Context, opts ListOptions) ([]db.Webhook, int64, error)
	ListEnabledForEventType(ctx context.Context, eventTypeName string) ([]db.Webhook, error)
	RecordTrigger(ctx context.Context, id db.ID, at time.Time) error
	IncrementFailureCount(ctx context.Context, id db.ID) error

	// Deliveries
	CreateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error
	GetDeliveryByID(ctx context.Context, id db.ID) (*db.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error
	ListDeliveriesByWebhook(ctx context.Context, webhookID db.ID, opts ListOptions) ([]db.WebhookDelivery, int64, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]db.WebhookDelivery, error)
}

// -----------------------------------------------------------------------------
// LockRepository
// -----------------------------------------------------------------------------

type LockRepository interface {
	// Acquire inserts an active lock row. Returns ErrConflict if the entity
	// already holds an active lock (enforced by a partial unique index, so
	// concurrent acquisitions race on the insert, not on a read).
	Acquire(ctx context.Context, lock *db.EntityLock) error

	GetActive(ctx context.Context, entityType string, entityID db.ID) (*db.EntityLock, error)
	Release(ctx context.Context, id, ownerID db.ID) error
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)
	ListActiveByOwner(ctx context.Context, ownerID db.ID) ([]db.EntityLock, error)

	// Presence
	UpsertPresence(ctx context.Context, presence *db.Presence) error
	ListPresence(ctx context.Context, entityType string, entityID db.ID, since time.Time) ([]db.Presence, error)
	DeleteStalePresence(ctx context.Context, before time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// MetricRepository
// -----------------------------------------------------------------------------

type MetricRepository interface {
	CreateQueueMetric(ctx context.Context, metric *db.QueueMetric) error
	ListQueueMetricsSince(ctx context.Context, t time.Time) ([]db.QueueMetric, error)
	DeleteQueueMetricsOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}

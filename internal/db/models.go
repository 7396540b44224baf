package db

import (
	"time"

	"gorm.io/gorm"
)

// ID is the primary-key type shared by all entity tables: a 64-bit
// monotonically increasing integer assigned by the database.
type ID = int64

// LookupID is the key type for small enumeration tables (roles, scopes,
// statuses, event types). 16 bits is more than enough for catalogues that
// are seeded once and change rarely.
type LookupID = int16

// Base contains the common fields shared by all entity models.
// CreatedAt and UpdatedAt are managed automatically by GORM. All
// timestamps in this schema are UTC. The struct must stay exported:
// GORM skips unexported embedded fields during schema parsing, which
// would leave every model without a primary key.
type Base struct {
	ID        ID        `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// SoftDelete extends Base with a nullable DeletedAt field for soft
// deletion. GORM automatically filters out soft-deleted records from all
// queries unless Unscoped() is used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Users & credentials
// -----------------------------------------------------------------------------

// Role is a lookup row naming a user role. Seeded by migrations; the two
// built-in roles are "admin" and "user".
type Role struct {
	ID   LookupID `gorm:"primaryKey"`
	Name string   `gorm:"uniqueIndex;not null"`
}

// Built-in role ids, matching the rows inserted by the initial migration.
const (
	RoleAdmin LookupID = 1
	RoleUser  LookupID = 2
)

// User represents an account that can log in and submit jobs.
// PasswordHash is an Argon2id digest; the plaintext is never stored.
// FailedLoginCount and LockedUntil implement the account-lockout policy:
// five consecutive failures lock the account for fifteen minutes.
type User struct {
	SoftDelete
	Username         string   `gorm:"uniqueIndex;not null"`
	Email            string   `gorm:"uniqueIndex;not null"`
	PasswordHash     string   `gorm:"not null"`
	RoleID           LookupID `gorm:"not null;default:2"`
	IsActive         bool     `gorm:"not null;default:true"`
	FailedLoginCount int      `gorm:"not null;default:0"`
	LockedUntil      *time.Time
	LastLoginAt      *time.Time
}

// Session stores one active refresh session per logical login. Only the
// SHA-256 hash of the opaque refresh token is persisted; the plaintext is
// returned to the client exactly once. Rotation revokes the old row and
// creates a new one.
type Session struct {
	Base
	UserID    ID        `gorm:"not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// Scope is a lookup row naming an API-key scope.
type Scope struct {
	ID   LookupID `gorm:"primaryKey"`
	Name string   `gorm:"uniqueIndex;not null"`
}

// Built-in scope ids, matching the rows inserted by the initial migration.
const (
	ScopeRead  LookupID = 1
	ScopeWrite LookupID = 2
	ScopeAdmin LookupID = 3
)

// APIKey is a long-lived, revocable credential for machine callers.
// Only the SHA-256 hash of the plaintext is stored; Prefix holds the first
// eight characters so operators can identify a key without seeing it.
type APIKey struct {
	Base
	Name      string   `gorm:"not null"`
	ScopeID   LookupID `gorm:"not null"`
	ProjectID *ID      `gorm:"index"`
	Prefix    string   `gorm:"not null;index"`
	KeyHash   string   `gorm:"not null;uniqueIndex"`
	ReadRPM   int      `gorm:"not null;default:120"`
	WriteRPM  int      `gorm:"not null;default:30"`
	IsActive  bool     `gorm:"not null;default:true"`
	RevokedAt *time.Time
	ExpiresAt *time.Time
	CreatedBy ID `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------------

// Worker statuses. Draining workers finish their in-flight jobs but
// receive no new assignments; offline workers are skipped entirely.
const (
	WorkerOnline   = "online"
	WorkerDraining = "draining"
	WorkerOffline  = "offline"
)

// Worker is a registered render worker: an external ComfyUI-compatible
// process the bridge dials over WebSocket. Tags is a JSON array of
// capability strings matched against job requirements at dispatch time.
// GPUPercent, ActiveJobs and QueueDepth are load indicators refreshed by
// the bridge from heartbeats and status frames.
type Worker struct {
	SoftDelete
	Name            string          `gorm:"uniqueIndex;not null"`
	URL             string          `gorm:"not null"`
	AuthHeader      EncryptedString `gorm:"type:text"`
	Tags            string          `gorm:"type:text;not null;default:'[]'"`
	GPUPercent      float64         `gorm:"not null;default:0"`
	ActiveJobs      int             `gorm:"not null;default:0"`
	QueueDepth      int             `gorm:"not null;default:0"`
	Status          string          `gorm:"not null;default:'offline'"`
	LastHeartbeatAt *time.Time
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// JobStatus identifies one of the nine job lifecycle states. The values
// match the job_statuses lookup table seeded by migrations; the legal
// transition graph lives in the jobs package.
type JobStatus = LookupID

const (
	StatusScheduled  JobStatus = 1
	StatusPending    JobStatus = 2
	StatusDispatched JobStatus = 3
	StatusRunning    JobStatus = 4
	StatusCompleted  JobStatus = 5
	StatusFailed     JobStatus = 6
	StatusCancelled  JobStatus = 7
	StatusPaused     JobStatus = 8
	StatusRetrying   JobStatus = 9
)

// Priority constants. Higher dispatches first; ties broken by submission
// time ascending.
const (
	PriorityUrgent     = 10
	PriorityNormal     = 0
	PriorityBackground = -10
)

// Job is the central scheduling unit. Params is the opaque JSON submission
// payload forwarded to the worker; Result and Error hold the terminal
// payloads. RetryOfID links a manually derived retry to its failed source
// job. Invariants enforced by the jobs package: a job holds at most one
// worker assignment, terminal jobs never change again, and only
// dispatched or running jobs carry a worker.
type Job struct {
	SoftDelete
	UserID           ID        `gorm:"not null;index"`
	Kind             string    `gorm:"not null"`
	Priority         int       `gorm:"not null;default:0"`
	Status           JobStatus `gorm:"not null;default:2;index"`
	WorkerID         *ID       `gorm:"index"`
	Tags             string    `gorm:"type:text;not null;default:'[]'"`
	Params           string    `gorm:"type:text;not null;default:'{}'"`
	Result           string    `gorm:"type:text;default:''"`
	Error            string    `gorm:"type:text;default:''"`
	AttemptCount     int       `gorm:"not null;default:0"`
	DurationSecs     int64     `gorm:"not null;default:0"`
	ScheduledStartAt *time.Time `gorm:"index"`
	RetryOfID        *ID        `gorm:"index"`
	StartedAt        *time.Time
	EndedAt          *time.Time
}

// JobTransition is one append-only audit row recording a status change.
// ActorID is nil for transitions performed by the system (scheduler,
// bridge) rather than a user.
type JobTransition struct {
	ID         ID        `gorm:"primaryKey;autoIncrement"`
	JobID      ID        `gorm:"not null;index"`
	FromStatus JobStatus `gorm:"not null"`
	ToStatus   JobStatus `gorm:"not null"`
	ActorID    *ID
	Reason     string    `gorm:"type:text;default:''"`
	CreatedAt  time.Time `gorm:"not null"`
}

// Execution maps a worker-assigned prompt id to an internal job. One row
// per dispatch attempt; the bridge updates CurrentNode and Outputs as
// `executing` / `executed` frames arrive.
type Execution struct {
	Base
	WorkerID    ID     `gorm:"not null;index"`
	JobID       ID     `gorm:"not null;index"`
	PromptID    string `gorm:"not null;uniqueIndex"`
	CurrentNode string `gorm:"default:''"`
	Status      string `gorm:"not null;default:'running'"`
	Outputs     string `gorm:"type:text;not null;default:'{}'"`
	EndedAt     *time.Time
}

// UserQuota caps a user's GPU time. Zero means unlimited. Usage is derived
// from job durations, not stored.
type UserQuota struct {
	UserID        ID    `gorm:"primaryKey"`
	DailyGPUSecs  int64 `gorm:"not null;default:0"`
	WeeklyGPUSecs int64 `gorm:"not null;default:0"`
	UpdatedAt     time.Time
}

// -----------------------------------------------------------------------------
// Events & notifications
// -----------------------------------------------------------------------------

// EventType is a catalogue row for a domain event type. IsCritical events
// bypass Do-Not-Disturb and digest batching.
type EventType struct {
	ID         LookupID `gorm:"primaryKey"`
	Name       string   `gorm:"uniqueIndex;not null"`
	IsCritical bool     `gorm:"not null;default:false"`
}

// Event is the durable append-only record of one published domain event.
type Event struct {
	ID          ID       `gorm:"primaryKey;autoIncrement"`
	EventTypeID LookupID `gorm:"not null;index"`
	SourceType  string   `gorm:"not null"`
	SourceID    ID       `gorm:"not null;index"`
	ActorID     *ID
	Payload     string    `gorm:"type:text;not null;default:'{}'"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

// Notification delivery channels.
const (
	ChannelInApp   = "in_app"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelDigest  = "digest"
)

// Notification is a per-user materialised delivery row for one event.
type Notification struct {
	Base
	EventID ID     `gorm:"not null;index"`
	UserID  ID     `gorm:"not null;index"`
	Channel string `gorm:"not null"`
	ReadAt  *time.Time
}

// NotificationPreference is the per (user, event-type) delivery rule.
// A missing row means enabled on the default channels. Channels is a JSON
// array; Scope is one of "all", "owned", "mentioned".
type NotificationPreference struct {
	Base
	UserID      ID       `gorm:"not null;uniqueIndex:idx_pref_user_type"`
	EventTypeID LookupID `gorm:"not null;uniqueIndex:idx_pref_user_type"`
	Enabled     bool     `gorm:"not null;default:true"`
	Channels    string   `gorm:"type:text;not null;default:'[\"in_app\"]'"`
	Scope       string   `gorm:"not null;default:'all'"`
}

// NotificationSetting holds a user's global delivery switches. DNDUntil
// nil with DNDEnabled true means indefinite do-not-disturb. DigestCadence
// is a cron expression validated on write.
type NotificationSetting struct {
	UserID        ID   `gorm:"primaryKey"`
	DNDEnabled    bool `gorm:"not null;default:false"`
	DNDUntil      *time.Time
	DigestEnabled bool   `gorm:"not null;default:false"`
	DigestCadence string `gorm:"not null;default:'0 * * * *'"`
	UpdatedAt     time.Time
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is an outbound HTTP subscription. Secret signs delivery bodies
// with HMAC-SHA256 and is encrypted at rest. EventTypes is a JSON array of
// subscribed event-type names.
type Webhook struct {
	SoftDelete
	Name            string          `gorm:"not null"`
	URL             string          `gorm:"not null"`
	Secret          EncryptedString `gorm:"type:text;not null"`
	EventTypes      string          `gorm:"type:text;not null;default:'[]'"`
	IsEnabled       bool            `gorm:"not null;default:true"`
	FailureCount    int             `gorm:"not null;default:0"`
	LastTriggeredAt *time.Time
}

// Webhook delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryRetrying  = "retrying"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// WebhookDelivery is one queued outbound POST. EventID is nil for
// synthetic test payloads. ResponseBody holds at most an excerpt of the
// receiver's reply.
type WebhookDelivery struct {
	Base
	WebhookID          ID     `gorm:"not null;index"`
	EventID            *ID    `gorm:"index"`
	Payload            string `gorm:"type:text;not null"`
	Status             string `gorm:"not null;default:'pending';index"`
	AttemptCount       int    `gorm:"not null;default:0"`
	MaxAttempts        int    `gorm:"not null;default:3"`
	ResponseStatusCode *int
	ResponseBody       string     `gorm:"type:text;default:''"`
	NextRetryAt        *time.Time `gorm:"index"`
	DeliveredAt        *time.Time
}

// -----------------------------------------------------------------------------
// Collaboration
// -----------------------------------------------------------------------------

// EntityLock is an exclusive collaborative lock on one domain entity.
// A partial unique index over (entity_type, entity_id) WHERE is_active
// enforces at most one active lock per entity; acquisition races resolve
// by insert conflict, not by read-then-write.
type EntityLock struct {
	Base
	EntityType string    `gorm:"not null"`
	EntityID   ID        `gorm:"not null"`
	OwnerID    ID        `gorm:"not null;index"`
	AcquiredAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
	ReleasedAt *time.Time
	IsActive   bool `gorm:"not null;default:true"`
}

// Presence records that a user is currently viewing an entity. Rows not
// touched within the stale interval are reaped by maintenance.
type Presence struct {
	Base
	UserID     ID        `gorm:"not null;uniqueIndex:idx_presence_user_entity"`
	EntityType string    `gorm:"not null;uniqueIndex:idx_presence_user_entity"`
	EntityID   ID        `gorm:"not null;uniqueIndex:idx_presence_user_entity"`
	LastSeenAt time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Metrics & settings
// -----------------------------------------------------------------------------

// QueueMetric is one scheduler-tick snapshot of queue depth, kept for the
// configured retention window and swept by maintenance.
type QueueMetric struct {
	ID             ID `gorm:"primaryKey;autoIncrement"`
	QueuedCount    int
	RunningCount   int
	ScheduledCount int
	CreatedAt      time.Time `gorm:"not null;index"`
}

// Setting is a generic key-value configuration entry stored in the
// database. Keys are namespaced by convention (e.g. "smtp.host").
// Sensitive values (e.g. "smtp.password") are encrypted at the application
// layer via EncryptedString before being persisted.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

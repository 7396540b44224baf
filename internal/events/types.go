// Package events defines the domain event catalogue and an in-process
// publish/subscribe bus. Events are persisted to the durable log before
// subscribers are notified, so the log is always at least as complete as
// anything a consumer acted on.
package events

import (
	"time"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

// Event type names. These match the event_types catalogue seeded by the
// initial migration; the name is the wire identifier used in webhook
// payloads, notification routing and client frames.
const (
	JobScheduled  = "job.scheduled"
	JobPending    = "job.pending"
	JobDispatched = "job.dispatched"
	JobRunning    = "job.running"
	JobCompleted  = "job.completed"
	JobFailed     = "job.failed"
	JobCancelled  = "job.cancelled"
	JobPaused     = "job.paused"
	JobRetrying   = "job.retrying"
	JobProgress   = "job.progress"

	ReviewRequested = "review.requested"
	ReviewApproved  = "review.approved"
	ReviewRejected  = "review.rejected"

	CollabMention = "collab.mention"

	SystemAlert         = "system.alert"
	SystemWorkerOffline = "system.worker_offline"
	SystemQuotaExceeded = "system.quota_exceeded"

	WebhookTest = "webhook.test"
)

// typeInfo pairs a catalogue id with the critical flag. Critical events
// bypass Do-Not-Disturb and digest batching.
type typeInfo struct {
	id       db.LookupID
	critical bool
}

// catalogue mirrors the event_types table. Kept in code so the hot paths
// (routing, webhook matching) never hit the database for type metadata.
var catalogue = map[string]typeInfo{
	JobScheduled:        {id: 1},
	JobPending:          {id: 2},
	JobDispatched:       {id: 3},
	JobRunning:          {id: 4},
	JobCompleted:        {id: 5},
	JobFailed:           {id: 6},
	JobCancelled:        {id: 7},
	JobPaused:           {id: 8},
	JobRetrying:         {id: 9},
	JobProgress:         {id: 10},
	ReviewRequested:     {id: 11},
	ReviewApproved:      {id: 12},
	ReviewRejected:      {id: 13},
	CollabMention:       {id: 14},
	SystemAlert:         {id: 15, critical: true},
	SystemWorkerOffline: {id: 16, critical: true},
	SystemQuotaExceeded: {id: 17},
	WebhookTest:         {id: 18},
}

// TypeID returns the catalogue id for an event type name, or zero if the
// name is unknown.
func TypeID(name string) db.LookupID {
	return catalogue[name].id
}

// TypeName returns the name for a catalogue id, or "" if unknown.
func TypeName(id db.LookupID) string {
	for name, info := range catalogue {
		if info.id == id {
			return name
		}
	}
	return ""
}

// IsCritical reports whether the named event type bypasses DND and digest
// batching.
func IsCritical(name string) bool {
	return catalogue[name].critical
}

// KnownType reports whether name is in the catalogue.
func KnownType(name string) bool {
	_, ok := catalogue[name]
	return ok
}

// Envelope is one published domain event as seen by subscribers. ID is the
// durable log row id, assigned before any subscriber is notified.
type Envelope struct {
	ID         db.ID
	Type       string
	SourceType string
	SourceID   db.ID
	ActorID    *db.ID
	Payload    string // JSON object
	CreatedAt  time.Time
}

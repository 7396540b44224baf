package websocket

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
)

// feedBuffer sizes the feed's bus subscription. Progress events are the
// highest-volume type on the bus, so the feed gets a deep buffer.
const feedBuffer = 1024

// Feed bridges the event bus onto client connections: job lifecycle and
// progress frames go to the acting or owning user, system events are
// broadcast.
// Notification frames are pushed separately by the notification router
// after preference filtering.
type Feed struct {
	hub *Hub
	bus *events.Bus
	log *zap.Logger
}

func NewFeed(hub *Hub, bus *events.Bus, log *zap.Logger) *Feed {
	return &Feed{hub: hub, bus: bus, log: log.Named("wsfeed")}
}

// Run consumes the bus until ctx is cancelled. Call in its own goroutine.
func (f *Feed) Run(ctx context.Context) {
	ch, unsubscribe := f.bus.Subscribe("ws-feed", feedBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			f.push(env)
		}
	}
}

func (f *Feed) push(env events.Envelope) {
	if env.Type == events.JobProgress {
		f.pushProgress(env)
		return
	}

	frame, err := json.Marshal(map[string]any{
		"type":    env.Type,
		"payload": json.RawMessage(env.Payload),
	})
	if err != nil {
		f.log.Error("encoding frame failed", zap.String("event", env.Type), zap.Error(err))
		return
	}

	if strings.HasPrefix(env.Type, "system.") {
		f.hub.Broadcast(frame)
		return
	}
	if target, ok := targetUser(env); ok {
		f.hub.PushToUser(target, frame)
	}
}

// pushProgress flattens job.progress into its documented frame shape and
// routes it to the job owner named in the payload.
func (f *Feed) pushProgress(env events.Envelope) {
	var payload struct {
		JobID   db.ID   `json:"job_id"`
		UserID  db.ID   `json:"user_id"`
		Percent float64 `json:"percent"`
	}
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil || payload.UserID == 0 {
		return
	}

	frame, err := json.Marshal(map[string]any{
		"type":    env.Type,
		"job_id":  payload.JobID,
		"percent": payload.Percent,
	})
	if err != nil {
		f.log.Error("encoding frame failed", zap.String("event", env.Type), zap.Error(err))
		return
	}
	f.hub.PushToUser(payload.UserID, frame)
}

// targetUser picks the connection owner for a per-user frame: the acting
// user, or the owning user from the payload for machine-originated events.
func targetUser(env events.Envelope) (db.ID, bool) {
	if env.ActorID != nil {
		return *env.ActorID, true
	}
	var payload struct {
		UserID db.ID `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil || payload.UserID == 0 {
		return 0, false
	}
	return payload.UserID, true
}

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// defaultBuffer is the per-subscriber channel depth when Subscribe is
// called with a non-positive buffer.
const defaultBuffer = 256

// Bus is the in-process event bus. Publish appends the event to the
// durable log first, then fans it out to subscribers. Delivery to a
// subscriber is non-blocking: a consumer whose buffer is full misses the
// event and a warning is logged. Consumers that cannot tolerate gaps must
// reconcile against the durable log.
type Bus struct {
	events repositories.EventRepository
	log    *zap.Logger

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	name string
	ch   chan Envelope
}

// NewBus creates a Bus that persists events through the given repository.
func NewBus(events repositories.EventRepository, log *zap.Logger) *Bus {
	return &Bus{
		events: events,
		log:    log.Named("events"),
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a consumer and returns its receive channel plus an
// unsubscribe function. name appears in lag warnings. The channel is
// closed when the consumer unsubscribes or the bus shuts down.
func (b *Bus) Subscribe(name string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{name: name, ch: make(chan Envelope, buffer)}

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, unsubscribe
}

// Publish persists the event and notifies all subscribers. The returned
// envelope carries the durable row id. Unknown event types are rejected so
// a typo cannot silently create an unroutable event.
func (b *Bus) Publish(ctx context.Context, eventType string, sourceType string, sourceID db.ID, actorID *db.ID, payload string) (*Envelope, error) {
	typeID := TypeID(eventType)
	if typeID == 0 {
		return nil, fmt.Errorf("events: unknown event type %q", eventType)
	}
	if payload == "" {
		payload = "{}"
	}

	row := &db.Event{
		EventTypeID: typeID,
		SourceType:  sourceType,
		SourceID:    sourceID,
		ActorID:     actorID,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	if err := b.events.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("events: persisting event: %w", err)
	}

	env := Envelope{
		ID:         row.ID,
		Type:       eventType,
		SourceType: sourceType,
		SourceID:   sourceID,
		ActorID:    actorID,
		Payload:    payload,
		CreatedAt:  row.CreatedAt,
	}

	// Snapshot the subscriber set under the read lock, then deliver without
	// holding it so a slow consumer cannot block Subscribe/Close.
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- env:
		default:
			b.log.Warn("subscriber lagging, event dropped from its feed",
				zap.String("subscriber", sub.name),
				zap.String("event_type", eventType),
				zap.Int64("event_id", env.ID))
		}
	}

	return &env, nil
}

// Close shuts the bus down: all subscriber channels are closed and further
// Subscribe calls return a closed channel. Publish after Close still
// persists but notifies no one.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
)

func newFeedFixture(t *testing.T) (*Feed, *Hub) {
	t.Helper()
	hub := newRunningHub(t)
	return NewFeed(hub, nil, zap.NewNop()), hub
}

func TestFeedProgressFrameIsFlatAndRoutedToOwner(t *testing.T) {
	feed, hub := newFeedFixture(t)

	owner := fakeClient(hub, 7, 4)
	other := fakeClient(hub, 8, 4)
	hub.Subscribe(owner)
	hub.Subscribe(other)
	waitForCount(t, hub, 2)

	feed.push(events.Envelope{
		Type:    events.JobProgress,
		Payload: `{"job_id":42,"user_id":7,"percent":50}`,
	})

	assert.JSONEq(t, `{"type":"job.progress","job_id":42,"percent":50}`, string(<-owner.send))
	select {
	case msg := <-other.send:
		t.Fatalf("progress must only reach the job owner, got %q", msg)
	default:
	}
}

func TestFeedLifecycleFrameWithoutActorGoesToOwner(t *testing.T) {
	feed, hub := newFeedFixture(t)

	owner := fakeClient(hub, 7, 4)
	hub.Subscribe(owner)
	waitForCount(t, hub, 1)

	// Worker-driven transitions carry no actor; the payload names the owner.
	feed.push(events.Envelope{
		Type:    events.JobCompleted,
		Payload: `{"job_id":42,"user_id":7,"status":"completed"}`,
	})

	frame := <-owner.send
	assert.JSONEq(t,
		`{"type":"job.completed","payload":{"job_id":42,"user_id":7,"status":"completed"}}`,
		string(frame))
}

func TestFeedSystemEventIsBroadcast(t *testing.T) {
	feed, hub := newFeedFixture(t)

	a := fakeClient(hub, 1, 4)
	b := fakeClient(hub, 2, 4)
	hub.Subscribe(a)
	hub.Subscribe(b)
	waitForCount(t, hub, 2)

	feed.push(events.Envelope{
		Type:    events.SystemAlert,
		Payload: `{"message":"disk full"}`,
	})

	for _, c := range []*Client{a, b} {
		assert.Contains(t, string(<-c.send), "system.alert")
	}
}

func TestFeedFrameWithoutTargetIsDropped(t *testing.T) {
	feed, hub := newFeedFixture(t)

	c := fakeClient(hub, 1, 4)
	hub.Subscribe(c)
	waitForCount(t, hub, 1)

	feed.push(events.Envelope{Type: events.JobCompleted, Payload: `{}`})

	select {
	case msg := <-c.send:
		t.Fatalf("frame with no actor or owner must be dropped, got %q", msg)
	default:
	}
}

func TestTargetUserPrefersActor(t *testing.T) {
	actor := db.ID(3)

	id, ok := targetUser(events.Envelope{ActorID: &actor, Payload: `{"user_id":9}`})
	require.True(t, ok)
	assert.Equal(t, actor, id)

	id, ok = targetUser(events.Envelope{Payload: `{"user_id":9}`})
	require.True(t, ok)
	assert.EqualValues(t, 9, id)

	_, ok = targetUser(events.Envelope{Payload: `{}`})
	assert.False(t, ok)
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func fakeClient(hub *Hub, userID db.ID, buffer int) *Client {
	return &Client{
		hub:    hub,
		userID: userID,
		send:   make(chan []byte, buffer),
		log:    zap.NewNop(),
	}
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ConnectedCount() == want
	}, time.Second, 5*time.Millisecond)
}

func TestHubPushToUserTargetsAllConnectionsOfOneUser(t *testing.T) {
	hub := newRunningHub(t)

	aliceTab1 := fakeClient(hub, 1, 4)
	aliceTab2 := fakeClient(hub, 1, 4)
	bob := fakeClient(hub, 2, 4)
	hub.Subscribe(aliceTab1)
	hub.Subscribe(aliceTab2)
	hub.Subscribe(bob)
	waitForCount(t, hub, 3)

	hub.PushToUser(1, []byte("hello"))

	assert.Equal(t, []byte("hello"), <-aliceTab1.send)
	assert.Equal(t, []byte("hello"), <-aliceTab2.send)
	select {
	case msg := <-bob.send:
		t.Fatalf("bob should not receive alice's frame, got %q", msg)
	default:
	}
}

func TestHubBroadcastReachesEveryone(t *testing.T) {
	hub := newRunningHub(t)

	a := fakeClient(hub, 1, 4)
	b := fakeClient(hub, 2, 4)
	hub.Subscribe(a)
	hub.Subscribe(b)
	waitForCount(t, hub, 2)

	hub.Broadcast([]byte("announcement"))

	assert.Equal(t, []byte("announcement"), <-a.send)
	assert.Equal(t, []byte("announcement"), <-b.send)
}

func TestHubUnsubscribeClosesSendChannel(t *testing.T) {
	hub := newRunningHub(t)

	c := fakeClient(hub, 1, 4)
	hub.Subscribe(c)
	waitForCount(t, hub, 1)

	hub.Unsubscribe(c)
	waitForCount(t, hub, 0)

	_, ok := <-c.send
	assert.False(t, ok)

	// A frame for the departed user goes nowhere, without panicking.
	hub.PushToUser(1, []byte("late"))
}

func TestHubDisconnectsSlowConsumer(t *testing.T) {
	hub := newRunningHub(t)

	slow := fakeClient(hub, 1, 1)
	hub.Subscribe(slow)
	waitForCount(t, hub, 1)

	// First frame fills the buffer; the second marks the client as too
	// slow and unregisters it.
	hub.PushToUser(1, []byte("one"))
	hub.PushToUser(1, []byte("two"))
	waitForCount(t, hub, 0)
}

func TestHubShutdownClosesAllClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	a := fakeClient(hub, 1, 4)
	b := fakeClient(hub, 2, 4)
	hub.Subscribe(a)
	hub.Subscribe(b)
	waitForCount(t, hub, 2)

	cancel()
	waitForCount(t, hub, 0)

	_, okA := <-a.send
	_, okB := <-b.send
	assert.False(t, okA)
	assert.False(t, okB)

	// Unsubscribe after shutdown must not deadlock.
	hub.Unsubscribe(a)
}

func TestClientAnswersApplicationPing(t *testing.T) {
	hub := newRunningHub(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r, 1, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForCount(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, FramePong, frame.Type)
}

func TestClientReceivesPushedFrames(t *testing.T) {
	hub := newRunningHub(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r, 7, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForCount(t, hub, 1)

	hub.PushToUser(7, []byte(`{"type":"job.completed"}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"job.completed"}`, string(data))

	// Disconnecting removes the client from the hub.
	conn.Close()
	waitForCount(t, hub, 0)
}

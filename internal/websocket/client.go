package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

const (
	// writeWait bounds one wire write so a stalled client cannot block
	// the write pump.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for any traffic (protocol pong or
	// application ping) before declaring the connection dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the client has time to
	// reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Clients only send small ping
	// frames.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. A client that
	// lets it fill is disconnected by the hub.
	sendBufferSize = 64
)

// upgrader performs the HTTP to WebSocket upgrade. Origin validation is
// left to the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one authenticated connection. Two goroutines per client:
// readPump detects disconnects and answers application pings, writePump
// is the sole writer on the wire.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID db.ID
	send   chan []byte
	log    *zap.Logger
}

// NewClient upgrades the request and binds the connection to the
// authenticated user. The caller has already verified the token.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, userID db.ID, log *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		log: log.With(
			zap.Int64("user_id", userID),
			zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client and blocks until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump consumes inbound frames. The only application message is
// {"type":"ping"}, answered with a pong frame; anything else is ignored.
// Protocol pongs reset the read deadline.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		// Application-level keepalive also counts as liveness.
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == FramePing {
			select {
			case c.send <- pongFrame:
			default:
			}
		}
	}
}

// writePump forwards frames from the send channel to the wire and keeps
// the connection alive with protocol pings. It is the only goroutine
// writing to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				// Hub closed the channel: say goodbye and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

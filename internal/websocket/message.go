// Package websocket implements the client-facing real-time hub. Studio
// clients hold one authenticated connection and receive job status,
// render progress and notification frames as server push; the only
// frame a client sends is an application-level ping.
//
// Frame envelope:
//
//	{"type":"job.running","payload":{"job_id":42,...}}
//	{"type":"job.progress","job_id":42,"percent":37}
//	{"type":"notification","event_type":"job.completed",...}
//	{"type":"pong"}
package websocket

import "encoding/json"

// Frame types originated by this package. Event-derived frames reuse the
// event type name (job.running, system.alert, ...) as-is.
const (
	FramePing = "ping"
	FramePong = "pong"
)

// inboundFrame is the only client-to-server message shape.
type inboundFrame struct {
	Type string `json:"type"`
}

// pongFrame is the canned reply to an application-level ping.
var pongFrame = mustMarshal(map[string]string{"type": FramePong})

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

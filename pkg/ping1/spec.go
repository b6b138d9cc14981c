package ping1

import "time"

const (
	// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header.
	SecWebSocketProtocol = "net.measurementlab.ping.v1"
	// PingPath is the path of the ping endpoint.
	PingPath = "/speedcore/v1/ping"
	// DefaultDuration is how long the server keeps a ping session open when
	// the client does not request a duration.
	DefaultDuration = 10 * time.Second
	// MaxDuration is the maximum lifetime of a ping session.
	MaxDuration = 60 * time.Second
)

// PingMessage is the payload of ping and pong control frames.
type PingMessage struct {
	// NS is the time elapsed since the start of the session according to
	// the sender of the ping, in nanoseconds.
	NS int64 `json:"ns"`
}

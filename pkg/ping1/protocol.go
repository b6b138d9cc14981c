// Package ping1 implements a latency protocol over WebSocket control frames.
// Either party sends ping frames carrying a PingMessage and the other party
// echoes them in a pong frame, so that the sender can compute the RTT.
package ping1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
)

// ErrNegativeRTT is returned when a pong carries a timestamp from the future.
var ErrNegativeRTT = errors.New("RTT is negative")

// Protocol is a ping1 session on top of a WebSocket connection.
type Protocol struct {
	conn  *websocket.Conn
	start time.Time
}

// New returns a new Protocol. All the timestamps sent on the connection are
// relative to the time New is called.
func New(conn *websocket.Conn) *Protocol {
	return &Protocol{
		conn:  conn,
		start: time.Now(),
	}
}

// Upgrade takes a HTTP request and upgrades the connection to WebSocket.
// Returns a websocket Conn if the upgrade succeeded, and an error otherwise.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	// We expect WebSocket's subprotocol to be ping1's. The same subprotocol is
	// added as a header on the response.
	if r.Header.Get("Sec-WebSocket-Protocol") != SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", SecWebSocketProtocol)
	u := websocket.Upgrader{
		// Allow cross-origin resource sharing.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return u.Upgrade(w, r, h)
}

// Ping sends a ping frame carrying the current session time.
func (p *Protocol) Ping(deadline time.Time) error {
	msg := PingMessage{
		NS: time.Since(p.start).Nanoseconds(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.conn.WriteControl(websocket.PingMessage, data, deadline)
}

// Receive starts reading from the connection. Pongs are decoded into RTTs and
// delivered over the first channel, which is closed when reading stops. Pings
// from the other party are answered automatically. The read error that ends
// the session is sent over the second channel.
func (p *Protocol) Receive(ctx context.Context) (<-chan time.Duration, <-chan error) {
	rtts := make(chan time.Duration, 100)
	errCh := make(chan error, 1)

	p.conn.SetPongHandler(func(appData string) error {
		_, rtt, err := ParseTicks(appData, p.start)
		if err != nil {
			// A malformed pong is not fatal for the session.
			log.Debug("failed to parse pong", "ctx", fmt.Sprintf("%p", ctx), "error", err)
			return nil
		}
		select {
		case rtts <- rtt:
		default:
		}
		return nil
	})

	go func() {
		defer close(rtts)
		for {
			if _, _, err := p.conn.NextReader(); err != nil {
				errCh <- err
				return
			}
		}
	}()
	return rtts, errCh
}

// Start runs the server side of a session: it answers the client's pings and
// sends its own on a memoryless schedule until the context expires or the
// client goes away. It returns the RTTs measured by the server.
func (p *Protocol) Start(ctx context.Context) ([]time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(MaxDuration)
	}
	p.conn.SetReadDeadline(deadline)

	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Expected: 100 * time.Millisecond,
		Min:      30 * time.Millisecond,
		Max:      300 * time.Millisecond,
	})
	rtx.Must(err, "invalid configuration for memoryless.Ticker")
	defer t.Stop()

	rttCh, errCh := p.Receive(ctx)
	var rtts []time.Duration
	for {
		select {
		case <-ctx.Done():
			p.Close()
			return rtts, nil
		case rtt, ok := <-rttCh:
			if !ok {
				rttCh = nil
				continue
			}
			rtts = append(rtts, rtt)
		case err := <-errCh:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				return rtts, nil
			}
			return rtts, err
		case <-t.C:
			if err := p.Ping(deadline); err != nil {
				return rtts, err
			}
		}
	}
}

// Close sends a normal closure message to the other party.
func (p *Protocol) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Done")
	return p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// ParseTicks decodes a PingMessage and returns the time elapsed since start
// along with the RTT it implies.
func ParseTicks(s string, start time.Time) (elapsed time.Duration, d time.Duration, err error) {
	elapsed = time.Since(start)
	var msg PingMessage
	err = json.Unmarshal([]byte(s), &msg)
	if err != nil {
		return
	}
	prev := msg.NS
	if 0 <= prev && prev <= elapsed.Nanoseconds() {
		d = time.Duration(elapsed.Nanoseconds() - prev)
	} else {
		err = ErrNegativeRTT
	}
	return
}

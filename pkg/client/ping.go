package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	emodel "github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/engine/spec"
	"github.com/m-lab/speedcore/pkg/ping1"
)

// pingHandle measures RTTs over a ping1 connection. When load is set, a
// download keeps running in the background until the handle is closed.
type pingHandle struct {
	conn  *websocket.Conn
	proto *ping1.Protocol
	load  *throughputHandle

	ctx    context.Context
	cancel context.CancelFunc
	events chan emodel.Event
	done   chan struct{}
	once   sync.Once
}

func newPingHandle(conn *websocket.Conn, load *throughputHandle) *pingHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &pingHandle{
		conn:   conn,
		proto:  ping1.New(conn),
		load:   load,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan emodel.Event),
		done:   make(chan struct{}),
	}
	if load != nil {
		// Load bytes are not measured.
		go func() {
			for range load.Events() {
			}
		}()
	}
	go h.forward()
	return h
}

// forward delivers every RTT received from the server as an event.
func (h *pingHandle) forward() {
	defer close(h.done)
	defer close(h.events)
	rtts, errCh := h.proto.Receive(h.ctx)
	for {
		select {
		case <-h.ctx.Done():
			return
		case rtt, ok := <-rtts:
			if !ok {
				// The reader stopped: report why, unless the handle was
				// closed on purpose.
				select {
				case err := <-errCh:
					if h.ctx.Err() == nil && !websocket.IsCloseError(err,
						websocket.CloseNormalClosure) {
						h.send(emodel.Event{Err: err, Timestamp: time.Now()})
					}
				default:
				}
				return
			}
			if !h.send(emodel.Event{RTT: rtt, Timestamp: time.Now()}) {
				return
			}
		}
	}
}

func (h *pingHandle) send(ev emodel.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Probe implements engine.Prober.
func (h *pingHandle) Probe(ctx context.Context) error {
	return h.proto.Ping(time.Now().Add(spec.ProbeTimeout))
}

// Events implements engine.Handle.
func (h *pingHandle) Events() <-chan emodel.Event {
	return h.events
}

// Close ends the ping session and stops the background load, if any.
func (h *pingHandle) Close() error {
	h.once.Do(func() {
		h.cancel()
		h.proto.Close()
		h.conn.Close()
		<-h.done
		if h.load != nil {
			h.load.Close()
		}
	})
	return nil
}

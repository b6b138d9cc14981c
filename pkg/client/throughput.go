package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/speedcore/pkg/engine"
	emodel "github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/throughput1"
	"github.com/m-lab/speedcore/pkg/throughput1/model"
	"github.com/m-lab/speedcore/pkg/throughput1/spec"
)

// reportInterval is how often a throughput handle reports byte deltas.
const reportInterval = 100 * time.Millisecond

// ErrAllStreamsFailed is delivered when no stream could be started.
var ErrAllStreamsFailed = errors.New("all streams failed")

// throughputHandle runs a set of parallel throughput1 streams and reports
// the aggregate application-level bytes transferred as engine events.
type throughputHandle struct {
	client  *Client
	subtest spec.SubtestKind
	url     *url.URL
	// target is the index of the Locate target in use, or -1.
	target  int
	opts    engine.OpenOptions

	ctx    context.Context
	cancel context.CancelFunc
	events chan emodel.Event
	wg     sync.WaitGroup
	once   sync.Once

	mu       sync.Mutex
	protos   []*throughput1.Protocol
	failures int
	lastErr  error
}

func (c *Client) openThroughput(ctx context.Context, subtest spec.SubtestKind,
	opts engine.OpenOptions) (*throughputHandle, error) {
	if opts.Streams < 1 {
		opts.Streams = 1
	}
	u, idx, err := c.serviceURL(ctx, spec.ServiceName, c.config.Scheme, getPathForSubtest(subtest))
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithCancel(ctx)
	h := &throughputHandle{
		client:  c,
		subtest: subtest,
		url:     u,
		target:  idx,
		opts:    opts,
		ctx:     hctx,
		cancel:  cancel,
		events:  make(chan emodel.Event),
	}
	h.start()
	return h, nil
}

func (h *throughputHandle) start() {
	// Main client loop. Spawns one goroutine per stream.
	h.wg.Add(h.opts.Streams)
	streamsDone := make(chan struct{})
	go func() {
		for i := 0; i < h.opts.Streams; i++ {
			streamID := i
			go func() {
				defer h.wg.Done()
				// Run a single stream.
				if err := h.runStream(streamID); err != nil {
					h.client.config.Emitter.OnError(err)
				}
			}()
			if i < h.opts.Streams-1 && h.client.config.Delay > 0 {
				select {
				case <-time.After(h.client.config.Delay):
				case <-h.ctx.Done():
					// Account for the streams that will never start.
					for j := i + 1; j < h.opts.Streams; j++ {
						h.wg.Done()
					}
					return
				}
			}
		}
	}()
	go func() {
		h.wg.Wait()
		close(streamsDone)
	}()
	go h.report(streamsDone)
}

// report sends the bytes transferred since the previous report every
// reportInterval, and closes the events channel once every stream is done.
func (h *throughputHandle) report(streamsDone <-chan struct{}) {
	defer close(h.events)
	t := time.NewTicker(reportInterval)
	defer t.Stop()
	var reported int64
	send := func(ev emodel.Event) bool {
		select {
		case h.events <- ev:
			return true
		case <-h.ctx.Done():
			return false
		}
	}
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
			total := h.bytes()
			if !send(emodel.Event{Bytes: total - reported, Timestamp: time.Now()}) {
				return
			}
			reported = total
		case <-streamsDone:
			total := h.bytes()
			if total > reported {
				send(emodel.Event{Bytes: total - reported, Timestamp: time.Now()})
			}
			if err := h.failed(); err != nil {
				send(emodel.Event{Err: err, Timestamp: time.Now()})
			}
			return
		}
	}
}

// bytes returns the application-level bytes transferred in the handle's
// direction, across all the streams.
func (h *throughputHandle) bytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sum int64
	for _, p := range h.protos {
		sent, received := p.ApplicationBytes()
		if h.subtest == spec.SubtestDownload {
			sum += received
		} else {
			sum += sent
		}
	}
	return sum
}

// failed returns an error when no stream could be started.
func (h *throughputHandle) failed() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.protos) == 0 && h.failures > 0 {
		return fmt.Errorf("%w: %v", ErrAllStreamsFailed, h.lastErr)
	}
	return nil
}

func (h *throughputHandle) runStream(streamID int) error {
	emitter := h.client.config.Emitter
	emitter.OnStart(h.url.Host, h.subtest)

	q := url.Values{}
	q.Set("streams", fmt.Sprint(h.opts.Streams))
	q.Set("duration", fmt.Sprint(h.opts.Duration.Milliseconds()))
	if h.client.config.CongestionControl != "" {
		q.Set("cc", h.client.config.CongestionControl)
	}
	if h.client.config.BytesLimit > 0 {
		q.Set("bytes", fmt.Sprint(h.client.config.BytesLimit))
	}
	if h.client.config.ChunkSize > 0 {
		q.Set("chunk", fmt.Sprint(h.client.config.ChunkSize))
	}
	conn, err := h.client.connect(h.ctx, h.url, spec.SecWebSocketProtocol, q)
	if err != nil {
		h.mu.Lock()
		h.failures++
		h.lastErr = err
		h.mu.Unlock()
		// Later phases try the next target.
		h.client.skipTarget(spec.ServiceName, h.target)
		return err
	}
	defer conn.Close()
	emitter.OnConnect(h.url.String())

	proto := throughput1.New(conn)
	proto.SetByteLimit(h.client.config.BytesLimit)
	if h.client.config.ChunkSize > 0 {
		proto.SetChunkSize(h.client.config.ChunkSize)
	}
	h.mu.Lock()
	h.protos = append(h.protos, proto)
	h.mu.Unlock()

	var clientCh, serverCh <-chan model.WireMeasurement
	var errCh <-chan error
	switch h.subtest {
	case spec.SubtestDownload:
		clientCh, serverCh, errCh = proto.ReceiverLoop(h.ctx)
	case spec.SubtestUpload:
		clientCh, serverCh, errCh = proto.SenderLoop(h.ctx)
	}

	for {
		select {
		case <-h.ctx.Done():
			emitter.OnStreamComplete(streamID, h.url.Host)
			return nil
		case m := <-clientCh:
			// If subtest is download, the client is the receiver.
			if h.subtest != spec.SubtestDownload {
				continue
			}
			emitter.OnMeasurement(streamID, m)
			emitter.OnDebug(fmt.Sprintf("Stream #%d - application r/w: %d/%d, network r/w: %d/%d",
				streamID, m.Application.BytesReceived, m.Application.BytesSent,
				m.Network.BytesReceived, m.Network.BytesSent))
		case m := <-serverCh:
			// If subtest is upload, the server is the receiver.
			if h.subtest != spec.SubtestUpload {
				continue
			}
			emitter.OnMeasurement(streamID, m)
			emitter.OnDebug(fmt.Sprintf("Stream #%d - application r/w: %d/%d, network r/w: %d/%d",
				streamID, m.Application.BytesReceived, m.Application.BytesSent,
				m.Network.BytesReceived, m.Network.BytesSent))
		case err := <-errCh:
			emitter.OnStreamComplete(streamID, h.url.Host)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
	}
}

// Events implements engine.Handle.
func (h *throughputHandle) Events() <-chan emodel.Event {
	return h.events
}

// Close stops every stream and waits for them to terminate.
func (h *throughputHandle) Close() error {
	h.once.Do(func() {
		h.cancel()
		h.wg.Wait()
	})
	return nil
}

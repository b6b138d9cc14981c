package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-lab/speedcore/pkg/engine/model"
)

// fakeClock is a manually advanced clock shared by the engine and the fake
// transport, so that event timestamps and the engine's notion of "now" agree.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.now) {
		c.now = now
	}
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeHandle delivers events produced by a generator goroutine until it is
// closed.
type fakeHandle struct {
	events chan model.Event
	closed chan struct{}
	once   sync.Once

	// rtts are returned, in order, one per Probe call.
	mu     sync.Mutex
	rtts   []time.Duration
	probes int
	clock  *fakeClock
	// last is the timestamp of the last delivered throughput event. The
	// clock catches up with it when the handle is closed.
	last time.Time
}

func newFakeHandle(clock *fakeClock) *fakeHandle {
	return &fakeHandle{
		events: make(chan model.Event),
		closed: make(chan struct{}),
		clock:  clock,
	}
}

func (h *fakeHandle) Events() <-chan model.Event {
	return h.events
}

func (h *fakeHandle) Close() error {
	h.once.Do(func() {
		close(h.closed)
		h.mu.Lock()
		last := h.last
		h.mu.Unlock()
		h.clock.Set(last)
	})
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// send delivers ev unless the handle is closed first.
func (h *fakeHandle) send(ev model.Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.closed:
		return false
	}
}

// probeHandle is a latency handle answering probes with canned RTTs.
type probeHandle struct {
	*fakeHandle
}

func (h *probeHandle) Probe(ctx context.Context) error {
	h.mu.Lock()
	if h.probes >= len(h.rtts) {
		h.mu.Unlock()
		return nil
	}
	rtt := h.rtts[h.probes]
	h.probes++
	h.mu.Unlock()
	ts := h.clock.Advance(rtt)
	go h.send(model.Event{RTT: rtt, Timestamp: ts})
	return nil
}

// fakeTransport simulates a link with constant raw speeds.
type fakeTransport struct {
	clock *fakeClock

	// Raw application-level speeds in Mbps.
	downloadMbps float64
	uploadMbps   float64
	// Interval between throughput events.
	interval time.Duration
	// closeAfter closes throughput handles after this many events if > 0.
	closeAfter int
	// stallAfter stops throughput handles of a phase after this many events.
	// The phase is then sent on stalled, if set.
	stallAfter map[model.Phase]int
	stalled    chan model.Phase
	// closeOnDone closes throughput event channels when the context passed
	// to Open is done, the way the real client does.
	closeOnDone bool

	pingRTTs  []time.Duration
	bloatRTTs []time.Duration

	// openErr is returned by Open for the matching phase.
	openErr   map[model.Phase]error
	openedCh  chan model.Phase
	blockOpen map[model.Phase]bool

	mu      sync.Mutex
	opened  []model.Phase
	handles []*fakeHandle
}

func newFakeTransport(clock *fakeClock, mbps float64) *fakeTransport {
	return &fakeTransport{
		clock:        clock,
		downloadMbps: mbps,
		uploadMbps:   mbps,
		interval:     100 * time.Millisecond,
		pingRTTs: []time.Duration{
			20 * time.Millisecond, 21 * time.Millisecond, 19 * time.Millisecond,
			22 * time.Millisecond, 100 * time.Millisecond, 18 * time.Millisecond,
			20 * time.Millisecond, 21 * time.Millisecond, 19 * time.Millisecond,
			20 * time.Millisecond,
		},
	}
}

func (t *fakeTransport) Open(ctx context.Context, phase model.Phase, opts OpenOptions) (Handle, error) {
	t.mu.Lock()
	t.opened = append(t.opened, phase)
	t.mu.Unlock()
	if t.openedCh != nil {
		t.openedCh <- phase
	}
	if err := t.openErr[phase]; err != nil {
		return nil, err
	}
	h := newFakeHandle(t.clock)
	t.mu.Lock()
	t.handles = append(t.handles, h)
	t.mu.Unlock()
	if t.blockOpen[phase] {
		// Never deliver anything.
		return h, nil
	}

	switch phase {
	case model.PhasePing:
		h.rtts = t.pingRTTs
		return &probeHandle{h}, nil
	case model.PhaseBufferbloat:
		go func() {
			for _, rtt := range t.bloatRTTs {
				if !h.send(model.Event{RTT: rtt, Timestamp: t.clock.Advance(rtt)}) {
					return
				}
			}
			close(h.events)
		}()
	case model.PhaseDownload, model.PhaseUpload:
		rate := t.downloadMbps
		if phase == model.PhaseUpload {
			rate = t.uploadMbps
		}
		bytes := int64(rate * 1e6 / 8 * t.interval.Seconds())
		// Timestamps are relative to the clock at Open time, which is what
		// the engine reads as the phase start. The clock does not move until
		// the handle is closed.
		base := t.clock.Now()
		var done <-chan struct{}
		if t.closeOnDone {
			done = ctx.Done()
		}
		send := func(ev model.Event) bool {
			select {
			case h.events <- ev:
				return true
			case <-h.closed:
				return false
			case <-done:
				close(h.events)
				return false
			}
		}
		stallAt, stall := t.stallAfter[phase]
		go func() {
			for i := 1; t.closeAfter == 0 || i <= t.closeAfter; i++ {
				if stall && i > stallAt {
					if t.stalled != nil {
						select {
						case t.stalled <- phase:
						case <-h.closed:
							return
						}
					}
					select {
					case <-h.closed:
					case <-done:
						close(h.events)
					}
					return
				}
				ts := base.Add(time.Duration(i) * t.interval)
				if !send(model.Event{Bytes: bytes, Timestamp: ts}) {
					return
				}
				h.mu.Lock()
				h.last = ts
				h.mu.Unlock()
			}
			close(h.events)
		}()
	}
	return h, nil
}

func (t *fakeTransport) Opened() []model.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Phase(nil), t.opened...)
}

func (t *fakeTransport) allClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handles {
		if !h.isClosed() {
			return false
		}
	}
	return true
}

// fakeDetector is an OverheadDetector returning a fixed value.
type fakeDetector struct {
	factor float64
	err    error
}

func (d *fakeDetector) DetectOverhead(context.Context) (float64, error) {
	return d.factor, d.err
}

// fakeReporter is a PacketLossReporter returning a fixed value.
type fakeReporter struct {
	pl  model.PacketLoss
	err error
}

func (r *fakeReporter) PacketLoss(context.Context) (model.PacketLoss, error) {
	return r.pl, r.err
}

var errFake = errors.New("fake failure")

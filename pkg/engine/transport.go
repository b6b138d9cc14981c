package engine

import (
	"context"
	"time"

	"github.com/m-lab/speedcore/pkg/engine/model"
)

// OpenOptions are the parameters of a transport handle.
type OpenOptions struct {
	// Streams is the number of parallel streams to open.
	Streams int
	// Duration is an upper bound for how long the handle will be used.
	Duration time.Duration
}

// Transport opens the connections used by each phase. Download and upload
// handles deliver byte deltas, ping and bufferbloat handles deliver
// round-trip times. A bufferbloat handle keeps a download load running while
// it measures latency.
type Transport interface {
	Open(ctx context.Context, phase model.Phase, opts OpenOptions) (Handle, error)
}

// Handle is an open transport session. The events channel is closed when the
// transport has nothing more to deliver. Close releases every resource and is
// safe to call more than once.
type Handle interface {
	Events() <-chan model.Event
	Close() error
}

// Prober is implemented by latency handles that send a probe on request. The
// corresponding round-trip time is delivered as an Event. Handles that do not
// implement Prober send probes on their own.
type Prober interface {
	Probe(ctx context.Context) error
}

// PacketLossReporter provides a pre-computed packet loss measurement.
type PacketLossReporter interface {
	PacketLoss(ctx context.Context) (model.PacketLoss, error)
}

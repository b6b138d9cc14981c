// Package measurer periodically samples a connection's byte counters and
// kernel metrics.
package measurer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/speedcore/internal/netx"
	"github.com/m-lab/speedcore/pkg/throughput1/model"
	"github.com/m-lab/speedcore/pkg/throughput1/spec"
)

// Throughput1Measurer reads counters and kernel metrics from a netx.Conn.
type Throughput1Measurer struct {
	mu        sync.Mutex
	connInfo  netx.ConnInfo
	startTime time.Time
	ticker    *memoryless.Ticker
	dstChan   chan model.Measurement
}

// New returns an unstarted measurer.
func New() *Throughput1Measurer {
	return &Throughput1Measurer{}
}

// Start starts a measurer goroutine that periodically reads the tcp_info and
// bbr_info kernel structs for the connection, if available, and sends them
// wrapped in a Measurement over the returned channel.
//
// The context determines the measurer goroutine's lifetime. Start panics if
// conn does not wrap a netx.Conn.
func (m *Throughput1Measurer) Start(ctx context.Context, conn net.Conn) <-chan model.Measurement {
	// Implementation note: this channel must be buffered to account for slow
	// readers. The "typical" reader is a throughput1 send or receive loop,
	// which might be busy with data r/w. The buffer size corresponds to at
	// least 10 seconds:
	//
	// 10000ms / 100 ms/snapshot = 100 snapshots
	dst := make(chan model.Measurement, 100)

	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      spec.MinMeasureInterval,
		Expected: spec.AvgMeasureInterval,
		Max:      spec.MaxMeasureInterval,
	})
	// This can only error if min/expected/max above are set to invalid
	// values. Since they are constants, we panic here.
	rtx.PanicOnError(err, "ticker creation failed (this should never happen)")

	m.mu.Lock()
	m.connInfo = netx.ToConnInfo(conn)
	m.startTime = time.Now()
	m.ticker = t
	m.dstChan = dst
	m.mu.Unlock()

	go m.loop(ctx)
	return dst
}

func (m *Throughput1Measurer) loop(ctx context.Context) {
	log.Debug("measurer: start", "ctx", ctx)
	defer log.Debug("measurer: stop", "ctx", ctx)
	defer m.ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ticker.C:
			mm := m.Measure(ctx)
			// Never block the ticker on a slow reader.
			select {
			case m.dstChan <- mm:
			default:
			}
		}
	}
}

// Measure collects metrics about the connection and returns them as a
// Measurement. It returns an empty Measurement if Start was never called.
func (m *Throughput1Measurer) Measure(ctx context.Context) model.Measurement {
	m.mu.Lock()
	connInfo, start := m.connInfo, m.startTime
	m.mu.Unlock()
	if connInfo == nil {
		return model.Measurement{}
	}

	bbrInfo, tcpInfo, err := connInfo.Info()
	if err != nil && !errors.Is(err, tcpinfox.ErrNoSupport) {
		log.Debug("cannot read connection info", "ctx", ctx, "error", err)
	}
	read, written := connInfo.ByteCounters()
	elapsed := time.Since(start).Microseconds()

	result := model.Measurement{
		ElapsedTime: elapsed,
		Network: model.ByteCounters{
			BytesReceived: int64(read),
			BytesSent:     int64(written),
		},
	}
	if err == nil {
		result.BBRInfo = &bbrInfo
		result.TCPInfo = &model.TCPInfo{
			LinuxTCPInfo: tcpInfo,
			ElapsedTime:  elapsed,
		}
	}
	return result
}

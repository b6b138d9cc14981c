package engine

import (
	"time"

	"github.com/m-lab/speedcore/pkg/engine/model"
)

// SampleBuffer accumulates the samples observed during a single phase. It is
// not safe for concurrent use: the engine's run goroutine is its only writer.
type SampleBuffer struct {
	phase   model.Phase
	start   time.Time
	last    time.Time
	total   int64
	samples []model.Sample
}

// NewSampleBuffer returns an empty SampleBuffer for phase whose measurement
// window starts at start.
func NewSampleBuffer(phase model.Phase, start time.Time) *SampleBuffer {
	return &SampleBuffer{
		phase: phase,
		start: start,
		last:  start,
	}
}

// Record appends a byte delta observed at ts. Negative deltas are recorded as
// zero and timestamps earlier than the last recorded one are clamped to it, so
// the buffer is always monotonic.
func (b *SampleBuffer) Record(bytes int64, ts time.Time) model.Sample {
	if bytes < 0 {
		bytes = 0
	}
	s := model.Sample{
		Timestamp: b.clamp(ts),
		Bytes:     bytes,
		Phase:     b.phase,
	}
	b.total += bytes
	b.samples = append(b.samples, s)
	return s
}

// RecordRTT appends a round-trip time observed at ts.
func (b *SampleBuffer) RecordRTT(rtt time.Duration, ts time.Time) model.Sample {
	s := model.Sample{
		Timestamp: b.clamp(ts),
		RTT:       rtt,
		Phase:     b.phase,
	}
	b.samples = append(b.samples, s)
	return s
}

func (b *SampleBuffer) clamp(ts time.Time) time.Time {
	if ts.Before(b.last) {
		ts = b.last
	}
	b.last = ts
	return ts
}

// Reset zeroes the byte counter and drops every sample. The measurement
// window restarts at ts.
func (b *SampleBuffer) Reset(ts time.Time) {
	b.total = 0
	b.samples = nil
	b.start = ts
	if ts.After(b.last) {
		b.last = ts
	}
}

// TotalBytes returns the bytes recorded since the last reset.
func (b *SampleBuffer) TotalBytes() int64 {
	return b.total
}

// Start returns the start of the current measurement window.
func (b *SampleBuffer) Start() time.Time {
	return b.start
}

// Elapsed returns the time between the start of the measurement window and now.
func (b *SampleBuffer) Elapsed(now time.Time) time.Duration {
	d := now.Sub(b.start)
	if d < 0 {
		return 0
	}
	return d
}

// Mbps returns the raw speed over the current measurement window.
func (b *SampleBuffer) Mbps(now time.Time) float64 {
	return mbps(b.total, b.Elapsed(now))
}

// Samples returns the samples recorded since the last reset.
func (b *SampleBuffer) Samples() []model.Sample {
	return b.samples
}

// RTTs returns the recorded round-trip times in milliseconds, in the order
// they were observed.
func (b *SampleBuffer) RTTs() []float64 {
	rtts := make([]float64, 0, len(b.samples))
	for _, s := range b.samples {
		if s.RTT > 0 {
			rtts = append(rtts, float64(s.RTT)/float64(time.Millisecond))
		}
	}
	return rtts
}

// mbps converts a byte count over a duration to megabits per second.
func mbps(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(bytes) * 8 / d.Seconds() / 1e6
}

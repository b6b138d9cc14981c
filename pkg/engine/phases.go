package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedcore/internal/metrics"
	"github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/engine/spec"
)

// runPing measures idle latency.
func (e *Engine) runPing(ctx context.Context, agg *Aggregator) error {
	rtts, err := e.collectRTTs(ctx, model.PhasePing, e.cfg.PingSamples, 1)
	if err != nil {
		return err
	}
	if len(rtts) == 0 {
		agg.Anomaly(anomalyNoPingSamples)
	}
	stats := NewPingStats(rtts)
	log.Debug("ping done", "samples", len(rtts), "average", stats.Average,
		"jitter", stats.Jitter)
	agg.SetPing(stats)
	return nil
}

// runBufferbloat measures latency while the transport keeps a download load
// running, and compares it with the idle latency.
func (e *Engine) runBufferbloat(ctx context.Context, agg *Aggregator) error {
	rtts, err := e.collectRTTs(ctx, model.PhaseBufferbloat, e.cfg.BufferbloatSamples,
		e.cfg.ParallelConnections)
	if err != nil {
		return err
	}
	if len(rtts) == 0 {
		agg.Anomaly(anomalyBloatFailed, "no latency samples under load")
		return nil
	}
	loaded := NewPingStats(rtts).Average
	increase := math.Max(0, loaded-agg.Ping().Average)
	agg.SetBufferbloat(model.Bufferbloat{
		Enabled:         true,
		LoadedPing:      loaded,
		LatencyIncrease: increase,
		Rating:          BufferbloatRating(increase),
	})
	return nil
}

// runPacketLoss records the packet loss reported by the configured reporter.
// Failures are recorded as anomalies.
func (e *Engine) runPacketLoss(ctx context.Context, agg *Aggregator) error {
	e.emit(model.Progress{Phase: model.PhasePacketLoss})
	if e.reporter == nil {
		agg.Anomaly(anomalyNoLossReporter)
		return nil
	}
	pl, err := e.reporter.PacketLoss(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		agg.Anomaly(anomalyLossFailed, err)
		return nil
	}
	pl.Enabled = true
	agg.SetPacketLoss(pl)
	e.emit(model.Progress{Phase: model.PhasePacketLoss, Percent: 100})
	return nil
}

// collectRTTs gathers up to n round-trip times from a latency handle. When
// the handle is a Prober, one probe is sent at a time and the next one
// follows after the configured interval.
func (e *Engine) collectRTTs(ctx context.Context, phase model.Phase, n, streams int) ([]float64, error) {
	h, err := e.open(ctx, phase, OpenOptions{
		Streams:  streams,
		Duration: time.Duration(n)*(e.cfg.PingInterval+spec.ProbeTimeout) + spec.ProbeTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer e.closeHandle()

	start := e.now()
	buf := NewSampleBuffer(phase, start)
	prober, _ := h.(Prober)
	probe := func() error {
		if prober == nil {
			return nil
		}
		if err := prober.Probe(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil
	}

	timeout := time.NewTimer(spec.ProbeTimeout)
	defer timeout.Stop()
	attempts := 1
	if err := probe(); err != nil {
		return nil, err
	}

	count := 0
	for count < n {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			// A probe or its reply got lost.
			if attempts >= 2*n {
				log.Warn("giving up on latency probes", "phase", phase,
					"received", count, "wanted", n)
				return buf.RTTs(), nil
			}
			attempts++
			if err := probe(); err != nil {
				return nil, err
			}
			timeout.Reset(spec.ProbeTimeout)
		case ev, ok := <-h.Events():
			if !ok {
				// A handle torn down by the run deadline is not a success.
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return buf.RTTs(), nil
			}
			if ev.Err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransport, ev.Err)
			}
			if ev.RTT <= 0 {
				continue
			}
			buf.RecordRTT(ev.RTT, e.timestamp(ev))
			count++
			e.emit(model.Progress{
				Phase:   phase,
				Percent: float64(count) / float64(n) * 100,
				Elapsed: e.now().Sub(start),
			})
			if count >= n || prober == nil {
				continue
			}
			if err := sleep(ctx, e.cfg.PingInterval); err != nil {
				return nil, err
			}
			attempts++
			if err := probe(); err != nil {
				return nil, err
			}
			stopTimer(timeout)
			timeout.Reset(spec.ProbeTimeout)
		}
	}
	return buf.RTTs(), nil
}

// runThroughput runs a download or upload phase. Bytes transferred during the
// grace period are discarded; afterwards the phase lasts until the duration
// controller's budget is spent or the transport stops.
func (e *Engine) runThroughput(ctx context.Context, phase model.Phase,
	comp *Compensator, agg *Aggregator) error {
	streams := e.cfg.streams(phase)
	window := e.cfg.gracePeriod(phase)
	h, err := e.open(ctx, phase, OpenOptions{
		Streams:  streams,
		Duration: window + spec.MaxDynamicGracePeriod + e.cfg.Duration + spec.MaxBonus,
	})
	if err != nil {
		return err
	}
	defer e.closeHandle()

	start := e.now()
	buf := NewSampleBuffer(phase, start)
	grace := NewGraceDetector(window, e.cfg.DynamicGracePeriod, start)
	dur := NewDurationController(e.cfg.Duration, e.cfg.DynamicDuration)
	t := &throughputPhase{
		phase:   phase,
		streams: streams,
		start:   start,
		last:    start,
		buf:     buf,
		grace:   grace,
		dur:     dur,
		comp:    comp,
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-h.Events():
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				log.Info("transport closed before the phase completed", "phase", phase)
				t.finish(agg)
				return nil
			}
			if ev.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransport, ev.Err)
			}
			p := t.observe(ev.Bytes, e.timestamp(ev))
			e.emit(p)
			if t.done() {
				t.finish(agg)
				return nil
			}
		}
	}
}

// throughputPhase is the state of a running download or upload phase.
type throughputPhase struct {
	phase   model.Phase
	streams int
	start   time.Time
	last    time.Time
	// total counts every byte of the phase, grace period included.
	total int64

	buf   *SampleBuffer
	grace *GraceDetector
	dur   *DurationController
	comp  *Compensator
}

// observe records a byte delta and returns the resulting progress.
func (t *throughputPhase) observe(bytes int64, now time.Time) model.Progress {
	s := t.buf.Record(bytes, now)
	now = s.Timestamp
	t.last = now
	t.total += s.Bytes

	var speed float64
	if t.grace.Active() {
		// The grace detector works on raw speeds; only the reported speed
		// is corrected.
		raw := t.buf.Mbps(now)
		speed = t.comp.Apply(raw)
		wasExtended := t.grace.Extended()
		ended := t.grace.Observe(now, raw)
		if !wasExtended && t.grace.Extended() {
			log.Info("slow connection, grace period extended", "phase", t.phase,
				"window", t.grace.Window())
			metrics.GraceExtensions.WithLabelValues(string(t.phase)).Inc()
		}
		if ended {
			t.buf.Reset(t.grace.MeasurementStart())
			log.Debug("grace period ended", "phase", t.phase, "window", t.grace.Window(),
				"raw", raw)
		}
	}
	if !t.grace.Active() {
		measured := t.buf.Elapsed(now)
		speed = t.comp.Apply(t.buf.Mbps(now))
		t.dur.Update(measured, speed)
	}
	return model.Progress{
		Phase:     t.phase,
		Percent:   t.percent(now),
		SpeedMbps: speed,
		Elapsed:   now.Sub(t.start),
	}
}

// percent maps the grace period to [0, 50] and the measurement to [50, 100].
// Without a grace period the measurement spans the whole range.
func (t *throughputPhase) percent(now time.Time) float64 {
	if t.grace.Active() {
		return clamp(50*t.grace.Fraction(now), 0, 100)
	}
	f := t.dur.Fraction(t.buf.Elapsed(now))
	if t.grace.Window() == 0 {
		return clamp(100*f, 0, 100)
	}
	return clamp(50+50*f, 0, 100)
}

func (t *throughputPhase) done() bool {
	return !t.grace.Active() && t.dur.Done(t.buf.Elapsed(t.last))
}

// finish records the phase summary. If the grace period never ended, the
// speed is computed over the whole phase and an anomaly is recorded.
func (t *throughputPhase) finish(agg *Aggregator) {
	s := model.PhaseSummary{
		Streams:           t.streams,
		GraceEnded:        !t.grace.Active(),
		GracePeriod:       t.grace.Window().Seconds(),
		GraceExtended:     t.grace.Extended(),
		EffectiveDuration: t.dur.Effective().Seconds(),
	}
	if s.GraceEnded {
		measured := t.buf.Elapsed(t.last)
		s.Bytes = t.buf.TotalBytes()
		s.RawMbps = mbps(s.Bytes, measured)
		s.MeasuredDuration = measured.Seconds()
	} else {
		agg.Anomaly(anomalyGraceNotEnded, t.phase)
		measured := t.last.Sub(t.start)
		s.Bytes = t.total
		s.RawMbps = mbps(s.Bytes, measured)
		s.MeasuredDuration = measured.Seconds()
	}
	if t.total == 0 {
		agg.Anomaly(anomalyZeroBytes, t.phase)
	}
	s.Mbps = t.comp.Apply(s.RawMbps)
	metrics.PhaseSpeed.WithLabelValues(string(t.phase)).Observe(s.Mbps)
	log.Info("phase done", "phase", t.phase, "mbps", s.Mbps, "bytes", s.Bytes,
		"measured", s.MeasuredDuration, "effective", s.EffectiveDuration)
	agg.SetThroughput(t.phase, s)
}

// timestamp returns the event's timestamp, or the current time if the
// transport did not set one.
func (e *Engine) timestamp(ev model.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return e.now()
	}
	return ev.Timestamp
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// stopTimer stops t and drains its channel so it can be safely reset.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

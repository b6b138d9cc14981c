package engine

import (
	"time"

	"github.com/m-lab/speedcore/pkg/engine/spec"
)

// GraceDetector decides when the ramp-up period of a throughput phase is over.
// While it is active, transferred bytes are not counted towards the final
// speed. Once it ends it stays inactive for the rest of the phase.
type GraceDetector struct {
	start   time.Time
	initial time.Duration
	window  time.Duration
	dynamic bool

	active           bool
	extended         bool
	measurementStart time.Time

	early      []float64
	lastSample time.Time
}

// NewGraceDetector returns a GraceDetector for a phase starting at start.
// A zero window means no grace period: the detector starts inactive.
func NewGraceDetector(window time.Duration, dynamic bool, start time.Time) *GraceDetector {
	g := &GraceDetector{
		start:   start,
		initial: window,
		window:  window,
		dynamic: dynamic,
		active:  window > 0,
	}
	if !g.active {
		g.measurementStart = start
	}
	return g
}

// Observe evaluates the grace period at now given the current speed in Mbps.
// It returns true exactly once, on the call that ends the grace period.
func (g *GraceDetector) Observe(now time.Time, speed float64) bool {
	if !g.active {
		return false
	}
	elapsed := now.Sub(g.start)
	if elapsed > spec.EarlySampleDelay &&
		(g.lastSample.IsZero() || now.Sub(g.lastSample) >= spec.EarlySampleInterval) {
		g.addEarlySample(speed)
		g.lastSample = now
		g.maybeExtend()
	}
	if elapsed >= g.window {
		g.End(now)
		return true
	}
	return false
}

func (g *GraceDetector) addEarlySample(speed float64) {
	g.early = append(g.early, speed)
	if len(g.early) > spec.MaxEarlySamples {
		g.early = g.early[len(g.early)-spec.MaxEarlySamples:]
	}
}

// maybeExtend grows the window once if the early samples show a connection
// slower than spec.SlowConnectionMbps.
func (g *GraceDetector) maybeExtend() {
	if !g.dynamic || g.extended || len(g.early) < spec.MinEarlySamples {
		return
	}
	var sum float64
	for _, s := range g.early {
		sum += s
	}
	if sum/float64(len(g.early)) >= spec.SlowConnectionMbps {
		return
	}
	limit := spec.MaxDynamicGracePeriod
	if g.initial > limit {
		limit = g.initial
	}
	next := g.window + spec.GraceExtension
	if next > limit {
		next = limit
	}
	if next > g.window {
		g.window = next
		g.extended = true
	}
}

// End terminates the grace period at now. It has no effect if the grace
// period is already over.
func (g *GraceDetector) End(now time.Time) {
	if !g.active {
		return
	}
	g.active = false
	g.measurementStart = now
}

// Active reports whether the grace period is still in progress.
func (g *GraceDetector) Active() bool {
	return g.active
}

// Window returns the current grace window.
func (g *GraceDetector) Window() time.Duration {
	return g.window
}

// Extended reports whether the window was extended for a slow connection.
func (g *GraceDetector) Extended() bool {
	return g.extended
}

// MeasurementStart returns when the grace period ended. It is the zero time
// while the grace period is active.
func (g *GraceDetector) MeasurementStart() time.Time {
	return g.measurementStart
}

// EarlySamples returns the early speed samples collected so far.
func (g *GraceDetector) EarlySamples() []float64 {
	return g.early
}

// Fraction returns how much of the grace window has elapsed at now, in [0, 1].
func (g *GraceDetector) Fraction(now time.Time) float64 {
	if !g.active || g.window <= 0 {
		return 1
	}
	f := float64(now.Sub(g.start)) / float64(g.window)
	return clamp(f, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

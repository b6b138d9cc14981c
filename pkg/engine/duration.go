package engine

import (
	"math"
	"time"

	"github.com/m-lab/speedcore/pkg/engine/spec"
)

// BonusFor returns the extra measurement time granted to a connection running
// at speed Mbps. Slow connections get up to k extra time, the bonus shrinks
// as speed grows and is zero from about 25 Mbps on.
func BonusFor(speed float64, k time.Duration) time.Duration {
	if speed < 0 || math.IsNaN(speed) {
		speed = 0
	}
	l := math.Log10(speed + 1)
	b := float64(k) * (1 - 0.5*l*l)
	if b <= 0 {
		return 0
	}
	return time.Duration(b)
}

// DurationController holds the duration budget of a throughput phase.
type DurationController struct {
	base      time.Duration
	dynamic   bool
	bonus     time.Duration
	effective time.Duration
}

// NewDurationController returns a controller with the given base duration.
// When dynamic is false the bonus is always zero.
func NewDurationController(base time.Duration, dynamic bool) *DurationController {
	return &DurationController{
		base:      base,
		dynamic:   dynamic,
		effective: base,
	}
}

// Update recomputes the budget after measured post-grace time at the given
// overhead-corrected speed. Nothing changes until more than
// spec.MinMeasuredForBonus has been measured.
func (d *DurationController) Update(measured time.Duration, speed float64) {
	if !d.dynamic || measured <= spec.MinMeasuredForBonus {
		return
	}
	d.bonus = BonusFor(speed, spec.MaxBonus)
	d.effective = d.base + d.bonus
	if d.effective < measured {
		d.effective = measured
	}
}

// Done reports whether a phase that measured for the given time is complete.
func (d *DurationController) Done(measured time.Duration) bool {
	return measured >= d.effective
}

// Base returns the configured base duration.
func (d *DurationController) Base() time.Duration {
	return d.base
}

// Bonus returns the current bonus.
func (d *DurationController) Bonus() time.Duration {
	return d.bonus
}

// Effective returns the current effective duration.
func (d *DurationController) Effective() time.Duration {
	return d.effective
}

// Fraction returns measured/effective in [0, 1].
func (d *DurationController) Fraction(measured time.Duration) float64 {
	if d.effective <= 0 {
		return 1
	}
	return clamp(float64(measured)/float64(d.effective), 0, 1)
}

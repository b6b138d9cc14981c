package engine

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/engine/spec"
)

// OverheadDetector estimates the ratio between on-the-wire bytes and payload
// bytes for the path being measured.
type OverheadDetector interface {
	DetectOverhead(ctx context.Context) (float64, error)
}

// Compensator converts payload throughput into effective bandwidth. Its
// factor is resolved once and never changes afterwards.
type Compensator struct {
	info model.OverheadInfo
}

// NewCompensator resolves the overhead factor. In auto mode the factor comes
// from d; when detection is unavailable or fails, the configured factor is
// used and the result is marked as not detected.
func NewCompensator(ctx context.Context, cfg OverheadConfig, d OverheadDetector) *Compensator {
	factor := cfg.Factor
	detected := false
	if cfg.Mode == spec.OverheadAuto {
		switch f, err := detect(ctx, d); {
		case err != nil:
			log.Warn("overhead detection failed, using configured factor",
				"factor", factor, "error", err)
		case f < spec.MinOverheadFactor || f > spec.MaxOverheadFactor:
			log.Warn("detected overhead factor out of range, using configured factor",
				"detected", f, "factor", factor)
		default:
			factor = f
			detected = true
		}
	}
	return &Compensator{
		info: model.OverheadInfo{
			Detected:   detected,
			Mode:       string(cfg.Mode),
			Factor:     factor,
			Percentage: (factor - 1) * 100,
		},
	}
}

func detect(ctx context.Context, d OverheadDetector) (float64, error) {
	if d == nil {
		return 0, errNoDetector
	}
	return d.DetectOverhead(ctx)
}

// Apply returns the effective speed for a raw speed.
func (c *Compensator) Apply(raw float64) float64 {
	return raw * c.info.Factor
}

// Factor returns the factor in use.
func (c *Compensator) Factor() float64 {
	return c.info.Factor
}

// Info returns the overhead section of a result.
func (c *Compensator) Info() model.OverheadInfo {
	return c.info
}

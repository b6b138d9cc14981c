package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/engine/spec"
	"gopkg.in/yaml.v3"
)

// OverheadConfig selects how protocol overhead is compensated.
type OverheadConfig struct {
	Mode   spec.OverheadMode `yaml:"mode"`
	Factor float64           `yaml:"factor"`
}

// Config is the configuration of a measurement run. It is read-only once the
// Engine has been created.
type Config struct {
	// Duration is the base measurement duration of each throughput phase.
	Duration time.Duration `yaml:"duration"`

	// ParallelConnections is the number of download streams.
	ParallelConnections int `yaml:"parallel_connections"`
	// UploadParallelConnections is the number of upload streams.
	UploadParallelConnections int `yaml:"upload_parallel_connections"`

	Overhead OverheadConfig `yaml:"overhead"`

	// DynamicDuration enables the speed-dependent duration bonus.
	DynamicDuration bool `yaml:"dynamic_duration"`

	// GracePeriodEnabled enables the ramp-up exclusion window.
	GracePeriodEnabled  bool          `yaml:"grace_period_enabled"`
	DownloadGracePeriod time.Duration `yaml:"download_grace_period"`
	UploadGracePeriod   time.Duration `yaml:"upload_grace_period"`
	// DynamicGracePeriod enables extending the grace window on slow
	// connections.
	DynamicGracePeriod bool `yaml:"dynamic_grace_period"`

	PingSamples  int           `yaml:"ping_samples"`
	PingInterval time.Duration `yaml:"ping_interval"`

	// Bufferbloat enables the latency-under-load phase.
	Bufferbloat        bool `yaml:"bufferbloat"`
	BufferbloatSamples int  `yaml:"bufferbloat_samples"`

	// PacketLoss enables the packet loss phase.
	PacketLoss bool `yaml:"packet_loss"`
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		Duration:                  spec.DefaultDuration,
		ParallelConnections:       spec.DefaultDownloadStreams,
		UploadParallelConnections: spec.DefaultUploadStreams,
		Overhead: OverheadConfig{
			Mode:   spec.OverheadFixed,
			Factor: spec.DefaultOverheadFactor,
		},
		DynamicDuration:     true,
		GracePeriodEnabled:  true,
		DownloadGracePeriod: spec.DefaultDownloadGracePeriod,
		UploadGracePeriod:   spec.DefaultUploadGracePeriod,
		DynamicGracePeriod:  true,
		PingSamples:         spec.DefaultPingSamples,
		PingInterval:        spec.DefaultPingInterval,
		BufferbloatSamples:  spec.DefaultBufferbloatSamples,
	}
}

// LoadConfig reads a YAML file and applies it on top of DefaultConfig.
// Fields missing from the file keep their default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that every field is within its allowed range. Returned
// errors wrap ErrConfiguration.
func (c *Config) Validate() error {
	switch {
	case c.Duration <= 0:
		return invalid("duration must be positive, got %v", c.Duration)
	case c.ParallelConnections < 1:
		return invalid("parallel connections must be at least 1, got %d", c.ParallelConnections)
	case c.UploadParallelConnections < 1:
		return invalid("upload parallel connections must be at least 1, got %d",
			c.UploadParallelConnections)
	case c.Overhead.Mode != spec.OverheadFixed && c.Overhead.Mode != spec.OverheadAuto:
		return invalid("unknown overhead mode %q", c.Overhead.Mode)
	case c.Overhead.Factor < spec.MinOverheadFactor || c.Overhead.Factor > spec.MaxOverheadFactor:
		return invalid("overhead factor %.2f outside [%.2f, %.2f]", c.Overhead.Factor,
			spec.MinOverheadFactor, spec.MaxOverheadFactor)
	case c.DownloadGracePeriod < 0 || c.UploadGracePeriod < 0:
		return invalid("grace periods cannot be negative")
	case c.PingSamples < 1:
		return invalid("ping samples must be at least 1, got %d", c.PingSamples)
	case c.PingInterval < 0:
		return invalid("ping interval cannot be negative")
	case c.Bufferbloat && c.BufferbloatSamples < 1:
		return invalid("bufferbloat samples must be at least 1, got %d", c.BufferbloatSamples)
	case c.expectedRunTime() > c.RunTimeout():
		return invalid("duration %v is too long: the phases need %v, the run timeout is %v",
			c.Duration, c.expectedRunTime(), c.RunTimeout())
	}
	return nil
}

// expectedRunTime is how long the enabled phases last on a slow link, with
// the longest grace windows and the whole duration bonus, not counting
// connection setup or lost probes.
func (c *Config) expectedRunTime() time.Duration {
	d := time.Duration(c.PingSamples) * c.PingInterval
	for _, phase := range []model.Phase{model.PhaseDownload, model.PhaseUpload} {
		d += c.maxGracePeriod(phase) + c.Duration
		if c.DynamicDuration {
			d += spec.MaxBonus
		}
	}
	if c.Bufferbloat {
		d += time.Duration(c.BufferbloatSamples) * c.PingInterval
	}
	return d
}

// maxGracePeriod is the grace window for phase after a dynamic extension.
func (c *Config) maxGracePeriod(phase model.Phase) time.Duration {
	g := c.gracePeriod(phase)
	if g > 0 && c.DynamicGracePeriod && g < spec.MaxDynamicGracePeriod {
		g += spec.GraceExtension
		if g > spec.MaxDynamicGracePeriod {
			g = spec.MaxDynamicGracePeriod
		}
	}
	return g
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// RunTimeout returns the time budget of a whole run.
func (c *Config) RunTimeout() time.Duration {
	return c.Duration + spec.RunTimeoutGrace
}

// gracePeriod returns the initial grace window for phase.
func (c *Config) gracePeriod(phase model.Phase) time.Duration {
	if !c.GracePeriodEnabled {
		return 0
	}
	if phase == model.PhaseUpload {
		return c.UploadGracePeriod
	}
	return c.DownloadGracePeriod
}

// streams returns the number of parallel streams for phase.
func (c *Config) streams(phase model.Phase) int {
	if phase == model.PhaseUpload {
		return c.UploadParallelConnections
	}
	return c.ParallelConnections
}

// Snapshot returns the configuration section of a result.
func (c *Config) Snapshot() model.ConfigSnapshot {
	return model.ConfigSnapshot{
		Duration:                  c.Duration.Seconds(),
		ParallelConnections:       c.ParallelConnections,
		UploadParallelConnections: c.UploadParallelConnections,
		GracePeriodEnabled:        c.GracePeriodEnabled,
		DownloadGracePeriod:       c.DownloadGracePeriod.Seconds(),
		UploadGracePeriod:         c.UploadGracePeriod.Seconds(),
		DynamicGracePeriod:        c.DynamicGracePeriod,
		DynamicDuration:           c.DynamicDuration,
		OverheadMode:              string(c.Overhead.Mode),
		OverheadFactor:            c.Overhead.Factor,
	}
}

// Package spec contains constants for the adaptive measurement engine.
package spec

import "time"

const (
	// DefaultDuration is the default base duration of each throughput phase,
	// not counting the grace period.
	DefaultDuration = 10 * time.Second

	// DefaultDownloadStreams is the default number of parallel download streams.
	DefaultDownloadStreams = 4

	// DefaultUploadStreams is the default number of parallel upload streams.
	DefaultUploadStreams = 3

	// DefaultDownloadGracePeriod is the initial grace window for downloads.
	DefaultDownloadGracePeriod = 2 * time.Second

	// DefaultUploadGracePeriod is the initial grace window for uploads.
	DefaultUploadGracePeriod = 3 * time.Second

	// MaxDynamicGracePeriod caps the grace window after a dynamic extension,
	// unless the initial window was already larger.
	MaxDynamicGracePeriod = 3 * time.Second

	// GraceExtension is how much the grace window grows on slow connections.
	GraceExtension = 1 * time.Second

	// EarlySampleDelay is the time after phase start before early speed
	// samples are collected.
	EarlySampleDelay = 500 * time.Millisecond

	// EarlySampleInterval is the minimum distance between early speed samples.
	EarlySampleInterval = 200 * time.Millisecond

	// MaxEarlySamples bounds the number of early speed samples kept.
	MaxEarlySamples = 5

	// MinEarlySamples is the number of early samples needed before the grace
	// window can be extended.
	MinEarlySamples = 3

	// SlowConnectionMbps is the early mean speed below which the grace window
	// is extended.
	SlowConnectionMbps = 1.0

	// MinMeasuredForBonus is how long the post-grace measurement must run
	// before the duration bonus is computed.
	MinMeasuredForBonus = 1 * time.Second

	// MaxBonus is the bonus scale k. It is also the largest possible bonus.
	MaxBonus = 1 * time.Second

	// RunTimeoutGrace is added to the configured duration to obtain the
	// timeout of a whole run.
	RunTimeoutGrace = 30 * time.Second

	// DefaultPingSamples is the default number of latency probes.
	DefaultPingSamples = 10

	// DefaultPingInterval is the default delay between latency probes.
	DefaultPingInterval = 200 * time.Millisecond

	// ProbeTimeout is how long a latency probe may wait for its reply before
	// another probe is sent.
	ProbeTimeout = 2 * time.Second

	// MinSamplesForTrim is the sample count from which the single lowest and
	// highest latency samples are dropped.
	MinSamplesForTrim = 5

	// DefaultBufferbloatSamples is the default number of latency probes taken
	// under load.
	DefaultBufferbloatSamples = 5

	// DefaultOverheadFactor is the default protocol overhead factor.
	DefaultOverheadFactor = 1.06

	// MinOverheadFactor and MaxOverheadFactor bound the overhead factor.
	MinOverheadFactor = 1.00
	MaxOverheadFactor = 1.20
)

// OverheadMode selects how the overhead factor is determined.
type OverheadMode string

const (
	// OverheadFixed uses the configured factor.
	OverheadFixed = OverheadMode("fixed")

	// OverheadAuto asks an OverheadDetector for the factor.
	OverheadAuto = OverheadMode("auto")
)

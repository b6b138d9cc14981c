// Package model contains the data types produced and consumed by the
// measurement engine. Every type here is meant to be serializable as JSON and
// inferrable as a BigQuery schema.
package model

import "time"

// Phase is a stage of a measurement run.
type Phase string

// Phases of a run, in the order they are entered. Bufferbloat and PacketLoss
// are optional. Complete and Error are terminal.
const (
	// PhaseIdle is the phase of an engine that has not started yet.
	PhaseIdle = Phase("idle")
	// PhasePing measures idle latency.
	PhasePing = Phase("ping")
	// PhaseDownload measures download throughput.
	PhaseDownload = Phase("download")
	// PhaseUpload measures upload throughput.
	PhaseUpload = Phase("upload")
	// PhaseBufferbloat measures latency while a download is running.
	PhaseBufferbloat = Phase("bufferbloat")
	// PhasePacketLoss measures packet loss.
	PhasePacketLoss = Phase("packetloss")
	// PhaseComplete is reached when every enabled phase succeeded.
	PhaseComplete = Phase("complete")
	// PhaseError is reached on a transport failure, a timeout or an abort.
	PhaseError = Phase("error")
)

// phaseOrder is the position of each non-error phase in a run.
var phaseOrder = map[Phase]int{
	PhaseIdle:        0,
	PhasePing:        1,
	PhaseDownload:    2,
	PhaseUpload:      3,
	PhaseBufferbloat: 4,
	PhasePacketLoss:  5,
	PhaseComplete:    6,
}

// Terminal reports whether no transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// CanTransition reports whether moving from p to next is allowed. Phases only
// move forward, optional phases may be skipped, and Error is reachable from
// any non-terminal phase.
func (p Phase) CanTransition(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseError {
		return true
	}
	from, ok := phaseOrder[p]
	if !ok {
		return false
	}
	to, ok := phaseOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// Event is a single observation delivered by a transport handle. Throughput
// handles populate Bytes with the number of application bytes transferred
// since the previous event. Latency handles populate RTT.
type Event struct {
	Bytes     int64
	RTT       time.Duration
	Timestamp time.Time
	// Err is set when the transport failed. No further events follow.
	Err error `json:"-"`
}

// Sample is a recorded, immutable observation within a phase.
type Sample struct {
	Timestamp time.Time
	Bytes     int64
	RTT       time.Duration
	Phase     Phase
}

// Progress is emitted to observers while a run is in progress.
type Progress struct {
	Phase Phase
	// Percent is the completion percentage of the current phase, in [0, 100].
	Percent float64
	// SpeedMbps is the overhead-corrected speed, when applicable.
	SpeedMbps float64
	// Elapsed is the time elapsed since the phase started.
	Elapsed time.Duration
}

// PingStats is the summary of an idle latency measurement. All values are
// in milliseconds.
type PingStats struct {
	Samples []float64
	// Average is the trimmed mean of Samples.
	Average float64
	// Jitter is the population standard deviation of the trimmed samples.
	Jitter float64
	Min    float64
	Max    float64
}

// OverheadInfo describes the overhead compensation applied to every reported
// speed.
type OverheadInfo struct {
	// Detected is true when the factor came from automatic detection.
	Detected bool
	Mode     string
	Factor   float64
	// Percentage is (Factor - 1) * 100.
	Percentage float64
}

// PhaseSummary is the outcome of a throughput phase.
type PhaseSummary struct {
	// Mbps is the overhead-corrected speed over the measurement window.
	Mbps float64
	// RawMbps is the application-level speed over the measurement window.
	RawMbps float64
	// Bytes is the number of bytes transferred after the grace period.
	Bytes   int64
	Streams int

	// GraceEnded is false when the transport stopped during the grace period.
	// In that case, speeds are computed over the whole phase.
	GraceEnded bool
	// GracePeriod is the final grace window length in seconds.
	GracePeriod float64
	// GraceExtended is true if the grace window was extended for a slow
	// connection.
	GraceExtended bool
	// MeasuredDuration is the post-grace measurement time in seconds.
	MeasuredDuration float64
	// EffectiveDuration is the final duration budget in seconds.
	EffectiveDuration float64
}

// Bufferbloat is the latency-under-load section of a result.
type Bufferbloat struct {
	Enabled bool
	// LoadedPing is the trimmed mean of the latency samples taken under load.
	LoadedPing float64
	// LatencyIncrease is LoadedPing minus the idle average, in milliseconds.
	LatencyIncrease float64
	// Rating is a letter grade from A (best) to F.
	Rating string
}

// PacketLoss is the packet loss section of a result.
type PacketLoss struct {
	Enabled    bool
	Percentage float64
	Sent       int
	Received   int
}

// ConfigSnapshot records the configuration a result was measured with.
type ConfigSnapshot struct {
	Duration                  float64
	ParallelConnections       int
	UploadParallelConnections int
	GracePeriodEnabled        bool
	DownloadGracePeriod       float64
	UploadGracePeriod         float64
	DynamicGracePeriod        bool
	DynamicDuration           bool
	OverheadMode              string
	OverheadFactor            float64
}

// MeasurementResult is the consolidated report of a completed run.
type MeasurementResult struct {
	ID        string
	Timestamp time.Time

	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64
	JitterMs     float64

	Ping        PingStats
	Overhead    OverheadInfo
	Download    PhaseSummary
	Upload      PhaseSummary
	Bufferbloat Bufferbloat
	PacketLoss  PacketLoss

	// Anomalies lists non-fatal measurement problems.
	Anomalies []string

	// TestDuration is the wall time of the whole run in seconds.
	TestDuration float64
	Config       ConfigSnapshot
}

package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/m-lab/speedcore/pkg/engine/model"
)

// Aggregator collects the outcome of each phase and builds the final
// MeasurementResult.
type Aggregator struct {
	config   model.ConfigSnapshot
	overhead model.OverheadInfo

	ping        model.PingStats
	download    model.PhaseSummary
	upload      model.PhaseSummary
	bufferbloat model.Bufferbloat
	packetLoss  model.PacketLoss
	anomalies   []string
}

// NewAggregator returns an Aggregator for a run using cfg and the given
// overhead compensation.
func NewAggregator(cfg model.ConfigSnapshot, overhead model.OverheadInfo) *Aggregator {
	return &Aggregator{
		config:   cfg,
		overhead: overhead,
	}
}

// SetPing records the idle latency statistics.
func (a *Aggregator) SetPing(stats model.PingStats) {
	a.ping = stats
}

// SetThroughput records the summary of a download or upload phase.
func (a *Aggregator) SetThroughput(phase model.Phase, s model.PhaseSummary) {
	switch phase {
	case model.PhaseDownload:
		a.download = s
	case model.PhaseUpload:
		a.upload = s
	}
}

// SetBufferbloat records the latency-under-load section.
func (a *Aggregator) SetBufferbloat(b model.Bufferbloat) {
	a.bufferbloat = b
}

// SetPacketLoss records the packet loss section.
func (a *Aggregator) SetPacketLoss(p model.PacketLoss) {
	a.packetLoss = p
}

// Anomaly records a non-fatal measurement problem.
func (a *Aggregator) Anomaly(format string, args ...interface{}) {
	a.anomalies = append(a.anomalies, fmt.Sprintf(format, args...))
}

// Ping returns the idle latency statistics recorded so far.
func (a *Aggregator) Ping() model.PingStats {
	return a.ping
}

// Build returns the result of a run that started at start and ended at end.
func (a *Aggregator) Build(start, end time.Time) model.MeasurementResult {
	return model.MeasurementResult{
		ID:           uuid.NewString(),
		Timestamp:    end,
		DownloadMbps: a.download.Mbps,
		UploadMbps:   a.upload.Mbps,
		PingMs:       a.ping.Average,
		JitterMs:     a.ping.Jitter,
		Ping:         a.ping,
		Overhead:     a.overhead,
		Download:     a.download,
		Upload:       a.upload,
		Bufferbloat:  a.bufferbloat,
		PacketLoss:   a.packetLoss,
		Anomalies:    append([]string(nil), a.anomalies...),
		TestDuration: end.Sub(start).Seconds(),
		Config:       a.config,
	}
}

package client

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	emodel "github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/throughput1/model"
	"github.com/m-lab/speedcore/pkg/throughput1/spec"
)

// Emitter is an interface for emitting results.
type Emitter interface {
	// OnStart is called when a stream starts.
	OnStart(server string, kind spec.SubtestKind)
	// OnConnect is called when the WebSocket connection is established.
	OnConnect(server string)
	// OnMeasurement is called on received Measurement objects.
	OnMeasurement(id int, m model.WireMeasurement)
	// OnProgress is called on engine progress updates.
	OnProgress(p emodel.Progress)
	// OnError is called on errors.
	OnError(err error)
	// OnStreamComplete is called after a stream completes.
	OnStreamComplete(streamID int, server string)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
	// OnSummary is called with the final result.
	OnSummary(r *emodel.MeasurementResult)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool

	mu        sync.Mutex
	lastPhase emodel.Phase
}

// OnProgress prints phase changes and the current speed.
func (e *HumanReadable) OnProgress(p emodel.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Phase != e.lastPhase {
		fmt.Printf("\n%s\n", p.Phase)
		e.lastPhase = p.Phase
	}
	if p.SpeedMbps > 0 {
		fmt.Printf("\r  %5.1f%%  %.2f Mb/s   ", p.Percent, p.SpeedMbps)
		return
	}
	fmt.Printf("\r  %5.1f%%   ", p.Percent)
}

// OnStart is called when the stream starts and prints the subtest and server hostname.
func (e *HumanReadable) OnStart(server string, kind spec.SubtestKind) {
	e.OnDebug(fmt.Sprintf("Starting %s stream (server: %s)", kind, server))
}

// OnConnect is called when the connection to the server is established.
func (e *HumanReadable) OnConnect(server string) {
	e.OnDebug(fmt.Sprintf("Connected to %s", server))
}

// OnMeasurement is called on received Measurement objects.
func (*HumanReadable) OnMeasurement(id int, m model.WireMeasurement) {
	// NOTHING - don't print individual measurement objects in this Emitter.
}

// OnError is called on errors.
func (*HumanReadable) OnError(err error) {
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		fmt.Println(err)
	}
}

// OnStreamComplete is called after a stream completes.
func (e *HumanReadable) OnStreamComplete(streamID int, server string) {
	e.OnDebug(fmt.Sprintf("Stream %d complete (server %s)", streamID, server))
}

// OnSummary prints the final result.
func (*HumanReadable) OnSummary(r *emodel.MeasurementResult) {
	fmt.Println()
	fmt.Println()
	fmt.Printf("Test results (id %s):\n", r.ID)
	fmt.Printf("  ping: %.2f ms, jitter: %.2f ms (%d samples)\n",
		r.PingMs, r.JitterMs, len(r.Ping.Samples))
	fmt.Printf("  download: %.2f Mb/s (raw %.2f Mb/s, %d streams, grace %.1fs, measured %.1fs)\n",
		r.DownloadMbps, r.Download.RawMbps, r.Download.Streams,
		r.Download.GracePeriod, r.Download.MeasuredDuration)
	fmt.Printf("  upload: %.2f Mb/s (raw %.2f Mb/s, %d streams, grace %.1fs, measured %.1fs)\n",
		r.UploadMbps, r.Upload.RawMbps, r.Upload.Streams,
		r.Upload.GracePeriod, r.Upload.MeasuredDuration)
	fmt.Printf("  overhead: %s, factor %.3f\n", r.Overhead.Mode, r.Overhead.Factor)
	if r.Bufferbloat.Enabled {
		fmt.Printf("  bufferbloat: %s (loaded ping %.2f ms, +%.2f ms)\n",
			r.Bufferbloat.Rating, r.Bufferbloat.LoadedPing, r.Bufferbloat.LatencyIncrease)
	}
	if r.PacketLoss.Enabled {
		fmt.Printf("  packet loss: %.2f%% (%d/%d received)\n",
			r.PacketLoss.Percentage, r.PacketLoss.Received, r.PacketLoss.Sent)
	}
	for _, a := range r.Anomalies {
		fmt.Printf("  warning: %s\n", a)
	}
}

// OnDebug is called to print debug information.
func (e *HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// JSON writes one JSON object per line for every progress update and for
// the final result.
type JSON struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSON returns a JSON emitter writing to w.
func NewJSON(w io.Writer) *JSON {
	return &JSON{enc: json.NewEncoder(w)}
}

// jsonRecord is a line written by the JSON emitter.
type jsonRecord struct {
	Type     string                    `json:"type"`
	Progress *emodel.Progress          `json:"progress,omitempty"`
	Result   *emodel.MeasurementResult `json:"result,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

func (e *JSON) write(r jsonRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enc.Encode(r)
}

// OnProgress writes a progress record.
func (e *JSON) OnProgress(p emodel.Progress) {
	e.write(jsonRecord{Type: "progress", Progress: &p})
}

// OnSummary writes the result record.
func (e *JSON) OnSummary(r *emodel.MeasurementResult) {
	e.write(jsonRecord{Type: "result", Result: r})
}

// OnError writes an error record.
func (e *JSON) OnError(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return
	}
	e.write(jsonRecord{Type: "error", Error: err.Error()})
}

// OnStart does nothing.
func (*JSON) OnStart(string, spec.SubtestKind) {}

// OnConnect does nothing.
func (*JSON) OnConnect(string) {}

// OnMeasurement does nothing.
func (*JSON) OnMeasurement(int, model.WireMeasurement) {}

// OnStreamComplete does nothing.
func (*JSON) OnStreamComplete(int, string) {}

// OnDebug does nothing.
func (*JSON) OnDebug(string) {}

// Checks that the emitters implement Emitter.
var (
	_ Emitter = &HumanReadable{}
	_ Emitter = &JSON{}
)

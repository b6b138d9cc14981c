package client

import (
	"time"
)

// Config is the configuration for a Client. Stream counts and durations are
// decided by the measurement engine for every phase.
type Config struct {
	// Server is the server to connect to (host:port). If empty, the server is
	// obtained by querying the configured Locator.
	Server string

	// Scheme is the WebSocket scheme used to connect to the server (ws or wss).
	Scheme string

	// Delay is the delay between the start of each stream.
	Delay time.Duration

	// CongestionControl is the congestion control algorithm to request from the server.
	CongestionControl string

	// MeasurementID is the manually configured Measurement ID ("mid") to pass to the server.
	MeasurementID string

	// Emitter is the interface used to emit the results of the test. It can be overridden
	// to provide a custom output.
	Emitter Emitter

	// NoVerify disables the TLS certificate verification.
	NoVerify bool

	// BytesLimit is the maximum number of bytes to download or upload per
	// stream. If set to 0, the limit is disabled.
	BytesLimit int

	// ChunkSize is the maximum size of a binary message. If set to 0, the
	// protocol default is used.
	ChunkSize int

	// LatencyPort is the UDP port of the latency1 server. If set to 0, the
	// protocol default is used.
	LatencyPort int
}

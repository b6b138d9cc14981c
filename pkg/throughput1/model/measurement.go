package model

import (
	"github.com/m-lab/tcp-info/inetdiag"
	"github.com/m-lab/tcp-info/tcp"
)

// ByteCounters contains the number of bytes sent and received by a party.
type ByteCounters struct {
	// BytesSent is the number of bytes sent.
	BytesSent int64 `json:",omitempty"`
	// BytesReceived is the number of bytes received.
	BytesReceived int64 `json:",omitempty"`
}

// WireMeasurement is a wrapper for Measurement structs that contains
// information about this TCP stream that does not need to be sent every time.
// Every field except for Measurement is only expected to be non-empty once.
type WireMeasurement struct {
	// CC is the congestion control used by the sender of this WireMeasurement.
	CC string `json:",omitempty"`
	// UUID is the unique identifier for this TCP stream.
	UUID string `json:",omitempty"`
	// LocalAddr is the local TCP endpoint (ip:port).
	LocalAddr string `json:",omitempty"`
	// RemoteAddr is the remote TCP endpoint (ip:port).
	RemoteAddr string `json:",omitempty"`
	// Measurement is the Measurement struct wrapped by this WireMeasurement.
	Measurement
}

// Measurement is a snapshot of a stream's counters. It is serialized as JSON
// and sent as a textual message.
type Measurement struct {
	// Application contains the application-level byte counters, i.e. the
	// payload of binary and textual WebSocket messages.
	Application ByteCounters
	// Network contains the byte counters of the underlying connection.
	Network ByteCounters

	// ElapsedTime is the time elapsed since the start of the measurement
	// according to the party sending this Measurement, in microseconds.
	ElapsedTime int64 `json:",omitempty"`

	// BBRInfo is an optional struct containing BBR metrics. Only applicable
	// when the congestion control algorithm used by the party sending this
	// Measurement is BBR.
	BBRInfo *inetdiag.BBRInfo `json:",omitempty"`

	// TCPInfo is an optional struct containing some of the TCP_INFO kernel
	// metrics for this TCP stream. Only applicable when the party sending this
	// Measurement has access to it.
	TCPInfo *TCPInfo `json:",omitempty"`
}

// TCPInfo is an extension to Linux's TCPInfo struct that includes the time
// elapsed since the connection was accepted.
type TCPInfo struct {
	tcp.LinuxTCPInfo
	ElapsedTime int64
}

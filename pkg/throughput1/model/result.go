package model

import "time"

// Throughput1Result is the archival record of a single throughput1 stream, as
// written to disk by the server.
type Throughput1Result struct {
	// GitShortCommit is the Git commit (short form) of the running server code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running server code.
	Version string

	// MeasurementID is the unique identifier for multiple TCP streams belonging
	// to the same measurement.
	MeasurementID string
	// UUID is the unique identifier for this TCP stream.
	UUID string

	// Direction is the test direction (download or upload).
	Direction string
	// Server is the server's TCP endpoint (ip:port).
	Server string
	// Client is the client's TCP endpoint (ip:port).
	Client string
	// CCAlgorithm is the congestion control algorithm used by the sender.
	CCAlgorithm string

	// StartTime is when the stream started, after the WebSocket upgrade.
	StartTime time.Time
	// EndTime is when the stream ended.
	EndTime time.Time

	// ServerMeasurements is the list of measurements taken by the server.
	ServerMeasurements []Measurement
	// ClientMeasurements is the list of measurements sent by the client.
	ClientMeasurements []Measurement

	// ClientOptions contains the querystring parameters sent by the client
	// and recognized by the server as options.
	ClientOptions []NameValue
	// ClientMetadata contains every other querystring parameter.
	ClientMetadata []NameValue
}

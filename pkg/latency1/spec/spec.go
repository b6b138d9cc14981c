// Package spec contains constants for the latency1 protocol.
package spec

import "time"

const (
	// ServiceName is the service name for the Locate V2 API.
	ServiceName = "speedcore/latency1"

	// AuthorizeV1 is the v1 /authorize endpoint.
	AuthorizeV1 = "/latency/v1/authorize"
	// ResultV1 is the v1 /result endpoint.
	ResultV1 = "/latency/v1/result"

	// DefaultPort is the UDP port the server listens on.
	DefaultPort = 1053

	// DefaultSendDuration is how long the server sends packets for when the
	// client does not request a duration.
	DefaultSendDuration = 2 * time.Second
	// MaxSendDuration is the maximum send duration a client may request.
	MaxSendDuration = 5 * time.Second

	// DefaultSessionCacheTTL is the default session cache TTL.
	DefaultSessionCacheTTL = 1 * time.Minute

	// PacketTypeC2S marks packets sent by the client: the kickoff packet.
	PacketTypeC2S = "c2s"
	// PacketTypeS2C marks packets sent by the server and echoed back by the
	// client.
	PacketTypeS2C = "s2c"
)

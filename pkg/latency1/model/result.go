package model

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/speedcore/pkg/version"
)

// ErrInvalidSeqN is returned when a reply refers to a packet never sent.
var ErrInvalidSeqN = errors.New("invalid sequence number")

// LatencyPacket is the payload of a latency measurement UDP packet.
type LatencyPacket struct {
	// Type is the message type. Possible values are "s2c" and "c2s".
	Type string

	// ID is this latency measurement's unique ID.
	ID string

	// Seq is the progressive sequence number for this measurement.
	Seq int

	// LastRTT is the previous RTT (if any) measured by the party sending this
	// message. When there is no previous RTT, this will be zero.
	LastRTT int `json:",omitempty"`
}

// ArchivalData is the archival data format for latency1 measurements.
type ArchivalData struct {
	// GitShortCommit is the Git commit (short form) of the running server code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running server code.
	Version string
	// ID is the unique identifier for this latency measurement.
	ID string

	// Client is the client's ip:port pair.
	Client string
	// Server is the server's ip:port pair.
	Server string

	// StartTime is the test's start time.
	StartTime time.Time

	// EndTime is the test's end time. Since there is no explicit termination
	// message in the protocol, this is set when the session expires.
	EndTime time.Time

	// RoundTrips is a list of roundtrips.
	RoundTrips []RoundTrip

	// PacketSent is the number of packets sent during this measurement.
	PacketsSent int
	// PacketsReceived is the number of packets received during this
	// measurement.
	PacketsReceived int
}

// RoundTrip is a roundtrip. If the reply was lost, Lost will be true.
// If a reply was received, RTT will be populated with the round-trip time.
type RoundTrip struct {
	// RTT is the round-trip time (microseconds).
	RTT int
	// Lost says if the packet was lost.
	Lost bool `json:",omitempty"`
}

// Summary is the measurement's summary.
type Summary struct {
	// ID is the unique identifier for this latency measurement.
	ID string
	// StartTime is the test's start time.
	StartTime time.Time
	// RoundTrips is a list of roundtrips.
	RoundTrips []RoundTrip

	// PacketSent is the number of packets sent during this measurement.
	PacketsSent int
	// PacketsReceived is the number of packets received during this
	// measurement.
	PacketsReceived int
}

// LossRate returns the fraction of packets that were lost, between 0 and 1.
func (s *Summary) LossRate() float64 {
	if s.PacketsSent == 0 {
		return 0
	}
	return 1 - float64(s.PacketsReceived)/float64(s.PacketsSent)
}

// Session is the in-memory structure holding information about a UDP latency
// measurement session.
type Session struct {
	// ID is the measurement ID this session was authorized for.
	ID string

	// StartTime is the test's start time.
	StartTime time.Time

	// SendDuration is how long the server sends packets for.
	SendDuration time.Duration

	// LastRTT contains the last observed RTT, in microseconds.
	LastRTT atomic.Int64

	mu         sync.Mutex
	started    bool
	client     string
	server     string
	sendTimes  []time.Time
	roundTrips []RoundTrip
}

// NewSession returns an empty Session with all the fields initialized.
func NewSession(id string, sendDuration time.Duration) *Session {
	return &Session{
		ID:           id,
		StartTime:    time.Now(),
		SendDuration: sendDuration,
		sendTimes:    []time.Time{},
		roundTrips:   []RoundTrip{},
	}
}

// Start marks the session as started by the given endpoints. It returns
// false if the session had already been started.
func (s *Session) Start(client, server string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	s.client = client
	s.server = server
	return true
}

// RecordSend records a packet sent at sendTime. The packet is considered lost
// until a reply arrives. It returns the packet's sequence number.
func (s *Session) RecordSend(sendTime time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendTimes = append(s.sendTimes, sendTime)
	s.roundTrips = append(s.roundTrips, RoundTrip{Lost: true})
	return len(s.sendTimes) - 1
}

// NextSeq returns the sequence number the next sent packet will get.
func (s *Session) NextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sendTimes)
}

// RecordReply records the reply to packet seq received at recvTime and
// returns the round-trip time.
func (s *Session) RecordReply(seq int, recvTime time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 0 || seq >= len(s.sendTimes) {
		return 0, ErrInvalidSeqN
	}
	rtt := recvTime.Sub(s.sendTimes[seq])
	s.LastRTT.Store(rtt.Microseconds())
	s.roundTrips[seq] = RoundTrip{RTT: int(rtt.Microseconds())}
	return rtt, nil
}

// PacketsReceived returns the number of received packets for this session.
func (s *Session) PacketsReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetsReceived()
}

func (s *Session) packetsReceived() int {
	recv := 0
	for _, v := range s.roundTrips {
		if !v.Lost {
			recv++
		}
	}
	return recv
}

// Archive converts this Session to ArchivalData.
func (s *Session) Archive() *ArchivalData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ArchivalData{
		ID:              s.ID,
		GitShortCommit:  prometheusx.GitShortCommit,
		Version:         version.Version,
		Client:          s.client,
		Server:          s.server,
		StartTime:       s.StartTime,
		RoundTrips:      append([]RoundTrip(nil), s.roundTrips...),
		PacketsSent:     len(s.sendTimes),
		PacketsReceived: s.packetsReceived(),
	}
}

// Summarize converts this Session to a Summary.
func (s *Session) Summarize() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Summary{
		ID:              s.ID,
		StartTime:       s.StartTime,
		PacketsSent:     len(s.sendTimes),
		PacketsReceived: s.packetsReceived(),
		RoundTrips:      append([]RoundTrip(nil), s.roundTrips...),
	}
}

// Package metrics defines the Prometheus metrics exported by the speedcore
// client library and server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseTransitions counts the phases entered by measurement engines.
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcore_engine_phase_transitions_total",
			Help: "Number of phase transitions, by destination phase.",
		},
		[]string{"phase"},
	)

	// Measurements counts finished measurement runs by outcome.
	Measurements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcore_engine_measurements_total",
			Help: "Number of measurement runs, by outcome.",
		},
		[]string{"outcome"},
	)

	// Anomalies counts non-fatal measurement anomalies.
	Anomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "speedcore_engine_anomalies_total",
			Help: "Number of anomalies recorded in measurement results.",
		},
	)

	// PhaseSpeed is the distribution of overhead-corrected speeds.
	PhaseSpeed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speedcore_engine_phase_speed_mbps",
			Help:    "Overhead-corrected speed measured by each throughput phase.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		},
		[]string{"phase"},
	)

	// GraceExtensions counts grace periods extended for slow connections.
	GraceExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcore_engine_grace_extensions_total",
			Help: "Number of grace windows extended on slow connections.",
		},
		[]string{"phase"},
	)

	// ServerStreams counts the throughput streams served, by direction and
	// outcome.
	ServerStreams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcore_server_streams_total",
			Help: "Number of throughput streams handled by the server.",
		},
		[]string{"direction", "status"},
	)

	// ServerPings counts the ping sessions served.
	ServerPings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcore_server_ping_sessions_total",
			Help: "Number of ping sessions handled by the server.",
		},
		[]string{"status"},
	)

	// LatencyPackets counts the UDP latency packets processed, by type and
	// result.
	LatencyPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcore_server_latency_packets_total",
			Help: "Number of UDP latency packets processed.",
		},
		[]string{"type", "result"},
	)

	// ArchivalWrites counts archival data writes by result.
	ArchivalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcore_archival_writes_total",
			Help: "Number of archival data files written.",
		},
		[]string{"datatype", "result"},
	)
)

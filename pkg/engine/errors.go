package engine

import (
	"errors"
	"fmt"

	"github.com/m-lab/speedcore/pkg/engine/model"
)

var (
	// ErrTransport is returned when the transport fails to open a handle or
	// reports an error while a phase is running.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout is returned when a run exceeds its time budget.
	ErrTimeout = errors.New("measurement timed out")

	// ErrConfiguration is returned by New and Config.Validate when the
	// configuration is not valid.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrAborted is returned when a run is aborted by its caller.
	ErrAborted = errors.New("measurement aborted")

	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("measurement already started")

	errNoDetector = errors.New("no overhead detector available")
)

// PhaseError is a fatal error that happened during a specific phase.
type PhaseError struct {
	Phase model.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Anomaly descriptions recorded in MeasurementResult.Anomalies.
const (
	anomalyZeroBytes      = "%s: no bytes transferred"
	anomalyGraceNotEnded  = "%s: transport closed during grace period, speed includes ramp-up"
	anomalyNoPingSamples  = "ping: no latency samples"
	anomalyNoLossReporter = "packetloss: no packet loss reporter available"
	anomalyLossFailed     = "packetloss: %v"
	anomalyBloatFailed    = "bufferbloat: %v"
)

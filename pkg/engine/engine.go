// Package engine implements an adaptive network speed measurement. A run
// measures idle latency, download and upload throughput and, optionally,
// latency under load and packet loss. Throughput phases exclude the TCP
// ramp-up through a grace period, adapt their duration to the connection
// speed and report overhead-corrected speeds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedcore/internal/metrics"
	"github.com/m-lab/speedcore/pkg/engine/model"
)

var errNotStarted = errors.New("measurement not started")

// Option configures optional Engine behavior.
type Option func(*Engine)

// WithProgress sets a callback invoked on every progress update. The
// callback runs on the measurement goroutine and must not block.
func WithProgress(f func(model.Progress)) Option {
	return func(e *Engine) {
		e.onProgress = f
	}
}

// WithOverheadDetector sets the detector used in auto overhead mode. By
// default the transport is used if it implements OverheadDetector.
func WithOverheadDetector(d OverheadDetector) Option {
	return func(e *Engine) {
		e.detector = d
	}
}

// WithPacketLossReporter sets the packet loss source. By default the
// transport is used if it implements PacketLossReporter.
func WithPacketLossReporter(r PacketLossReporter) Option {
	return func(e *Engine) {
		e.reporter = r
	}
}

// WithClock replaces the function used to read the current time when an
// event carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine runs a single measurement. It is created Idle, moves forward
// through its phases and ends in either Complete or Error.
type Engine struct {
	transport  Transport
	cfg        Config
	onProgress func(model.Progress)
	detector   OverheadDetector
	reporter   PacketLossReporter
	now        func() time.Time

	mu      sync.Mutex
	phase   model.Phase
	handle  Handle
	started bool
	cancel  context.CancelFunc
	result  *model.MeasurementResult
	err     error
	done    chan struct{}
}

// New returns an Engine measuring over t. The configuration is validated
// here: an invalid Config returns an error wrapping ErrConfiguration.
func New(t Transport, cfg Config, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, invalid("transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		transport: t,
		cfg:       cfg,
		now:       time.Now,
		phase:     model.PhaseIdle,
		done:      make(chan struct{}),
	}
	if d, ok := t.(OverheadDetector); ok {
		e.detector = d
	}
	if r, ok := t.(PacketLossReporter); ok {
		e.reporter = r
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunMeasurement runs a whole measurement over t and returns its result.
func RunMeasurement(ctx context.Context, t Transport, cfg Config,
	onProgress func(model.Progress)) (*model.MeasurementResult, error) {
	e, err := New(t, cfg, WithProgress(onProgress))
	if err != nil {
		return nil, err
	}
	return e.Run(ctx)
}

// Run starts the measurement and waits for it to finish. The run is bounded
// by ctx: when ctx ends first, Run returns once the transport has been
// released, with an error wrapping ErrTimeout or ErrAborted.
func (e *Engine) Run(ctx context.Context) (*model.MeasurementResult, error) {
	if err := e.Start(ctx); err != nil {
		return nil, err
	}
	// The run context derives from ctx, so done is always closed.
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

// Start starts the measurement in a new goroutine. The whole run is bounded
// by Config.RunTimeout.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.phase.Terminal() {
		return ErrAlreadyStarted
	}
	e.started = true
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout())
	e.cancel = cancel
	go e.run(runCtx)
	return nil
}

// Wait blocks until the run is over or ctx is done. It returns the result of
// a completed run, or the error that ended it. A ctx ending first only stops
// the wait, not the run; use Abort or the context passed to Start for that.
func (e *Engine) Wait(ctx context.Context) (*model.MeasurementResult, error) {
	e.mu.Lock()
	if !e.started && !e.phase.Terminal() {
		e.mu.Unlock()
		return nil, errNotStarted
	}
	e.mu.Unlock()
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

// Abort stops the run. The engine moves to Error with ErrAborted before
// Abort returns and the active transport handle is closed. Aborting a run
// that already ended does nothing.
func (e *Engine) Abort() {
	e.mu.Lock()
	if e.phase.Terminal() {
		e.mu.Unlock()
		return
	}
	from := e.phase
	e.setErrorLocked(from, ErrAborted)
	h := e.handle
	e.handle = nil
	cancel := e.cancel
	if !e.started {
		// Nothing will ever close done.
		e.started = true
		close(e.done)
	}
	e.mu.Unlock()

	log.Info("measurement aborted", "phase", from)
	if h != nil {
		h.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Phase returns the current phase.
func (e *Engine) Phase() model.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Err returns the error that ended the run, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer e.cancel()

	start := e.now()
	comp := NewCompensator(ctx, e.cfg.Overhead, e.detector)
	agg := NewAggregator(e.cfg.Snapshot(), comp.Info())
	log.Debug("measurement started", "overhead", comp.Factor(),
		"duration", e.cfg.Duration)

	type step struct {
		phase model.Phase
		run   func(context.Context) error
	}
	steps := []step{
		{model.PhasePing, func(ctx context.Context) error {
			return e.runPing(ctx, agg)
		}},
		{model.PhaseDownload, func(ctx context.Context) error {
			return e.runThroughput(ctx, model.PhaseDownload, comp, agg)
		}},
		{model.PhaseUpload, func(ctx context.Context) error {
			return e.runThroughput(ctx, model.PhaseUpload, comp, agg)
		}},
	}
	if e.cfg.Bufferbloat {
		steps = append(steps, step{model.PhaseBufferbloat, func(ctx context.Context) error {
			return e.runBufferbloat(ctx, agg)
		}})
	}
	if e.cfg.PacketLoss {
		steps = append(steps, step{model.PhasePacketLoss, func(ctx context.Context) error {
			return e.runPacketLoss(ctx, agg)
		}})
	}

	last := model.PhaseIdle
	for _, s := range steps {
		if !e.transition(s.phase) {
			return
		}
		last = s.phase
		if err := s.run(ctx); err != nil {
			e.fail(s.phase, e.classify(ctx, err))
			return
		}
	}
	// The run deadline wins over a phase that ended at the same time.
	if err := ctx.Err(); err != nil {
		e.fail(last, e.classify(ctx, err))
		return
	}

	result := agg.Build(start, e.now())
	e.mu.Lock()
	if e.phase.Terminal() {
		e.mu.Unlock()
		return
	}
	e.phase = model.PhaseComplete
	e.result = &result
	e.mu.Unlock()

	metrics.PhaseTransitions.WithLabelValues(string(model.PhaseComplete)).Inc()
	metrics.Measurements.WithLabelValues("complete").Inc()
	metrics.Anomalies.Add(float64(len(result.Anomalies)))
	log.Info("measurement complete", "download", result.DownloadMbps,
		"upload", result.UploadMbps, "ping", result.PingMs, "jitter", result.JitterMs)
	e.emit(model.Progress{Phase: model.PhaseComplete, Percent: 100})
}

// transition moves to next. It returns false if the move is not allowed,
// which happens once the run has been aborted.
func (e *Engine) transition(next model.Phase) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.phase.CanTransition(next) {
		return false
	}
	log.Debug("phase transition", "from", e.phase, "to", next)
	e.phase = next
	metrics.PhaseTransitions.WithLabelValues(string(next)).Inc()
	return true
}

func (e *Engine) fail(phase model.Phase, err error) {
	e.mu.Lock()
	if e.phase.Terminal() {
		e.mu.Unlock()
		return
	}
	e.setErrorLocked(phase, err)
	h := e.handle
	e.handle = nil
	e.mu.Unlock()
	log.Error("measurement failed", "phase", phase, "error", err)
	if h != nil {
		h.Close()
	}
}

func (e *Engine) setErrorLocked(phase model.Phase, err error) {
	e.phase = model.PhaseError
	e.err = &PhaseError{Phase: phase, Err: err}
	metrics.PhaseTransitions.WithLabelValues(string(model.PhaseError)).Inc()
	switch {
	case errors.Is(err, ErrAborted):
		metrics.Measurements.WithLabelValues("aborted").Inc()
	case errors.Is(err, ErrTimeout):
		metrics.Measurements.WithLabelValues("timeout").Inc()
	default:
		metrics.Measurements.WithLabelValues("error").Inc()
	}
}

// classify maps the error that ended a phase to one of the fatal error kinds.
func (e *Engine) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTransport), errors.Is(err, ErrTimeout), errors.Is(err, ErrAborted):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %v", ErrTimeout, e.cfg.RunTimeout())
	case errors.Is(ctx.Err(), context.Canceled):
		return ErrAborted
	default:
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
}

// open opens a handle for phase and makes it the active handle.
func (e *Engine) open(ctx context.Context, phase model.Phase, opts OpenOptions) (Handle, error) {
	h, err := e.transport.Open(ctx, phase, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	e.mu.Lock()
	if e.phase.Terminal() {
		e.mu.Unlock()
		h.Close()
		return nil, ErrAborted
	}
	e.handle = h
	e.mu.Unlock()
	return h, nil
}

// closeHandle closes the active handle, if any.
func (e *Engine) closeHandle() {
	e.mu.Lock()
	h := e.handle
	e.handle = nil
	e.mu.Unlock()
	if h != nil {
		if err := h.Close(); err != nil {
			log.Debug("closing transport handle failed", "error", err)
		}
	}
}

func (e *Engine) emit(p model.Progress) {
	if e.onProgress == nil {
		return
	}
	if p.Phase != model.PhaseComplete && e.Phase().Terminal() {
		return
	}
	e.onProgress(p)
}

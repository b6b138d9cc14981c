package engine

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/engine/spec"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	return cfg
}

func approx(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func TestEngine_Run(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock, 50)
	var progress []model.Progress
	e, err := New(tr, testConfig(), WithClock(clock.Now), WithProgress(func(p model.Progress) {
		progress = append(progress, p)
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if e.Phase() != model.PhaseIdle {
		t.Errorf("new engine phase = %s, want idle", e.Phase())
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if e.Phase() != model.PhaseComplete {
		t.Errorf("Phase() = %s, want complete", e.Phase())
	}

	if !approx(res.DownloadMbps, 53.0, 0.01) {
		t.Errorf("DownloadMbps = %f, want 53.0", res.DownloadMbps)
	}
	if !approx(res.UploadMbps, 53.0, 0.01) {
		t.Errorf("UploadMbps = %f, want 53.0", res.UploadMbps)
	}
	if !approx(res.Download.RawMbps, 50.0, 0.01) {
		t.Errorf("Download.RawMbps = %f, want 50.0", res.Download.RawMbps)
	}
	if res.PingMs != 20.25 {
		t.Errorf("PingMs = %f, want 20.25", res.PingMs)
	}
	if res.Ping.Min != 18 || res.Ping.Max != 100 {
		t.Errorf("Ping min/max = %f/%f, want 18/100", res.Ping.Min, res.Ping.Max)
	}
	if res.Download.GracePeriod != 2 || res.Upload.GracePeriod != 3 {
		t.Errorf("grace periods = %f/%f, want 2/3", res.Download.GracePeriod,
			res.Upload.GracePeriod)
	}
	if !approx(res.Download.MeasuredDuration, 10, 1e-9) {
		t.Errorf("Download.MeasuredDuration = %f, want 10", res.Download.MeasuredDuration)
	}
	if res.Download.Streams != spec.DefaultDownloadStreams ||
		res.Upload.Streams != spec.DefaultUploadStreams {
		t.Errorf("streams = %d/%d", res.Download.Streams, res.Upload.Streams)
	}
	if res.Overhead.Factor != 1.06 || res.Overhead.Detected ||
		!approx(res.Overhead.Percentage, 6, 1e-9) {
		t.Errorf("unexpected overhead info: %+v", res.Overhead)
	}
	if len(res.Anomalies) != 0 {
		t.Errorf("unexpected anomalies: %v", res.Anomalies)
	}
	if res.ID == "" {
		t.Errorf("result has no ID")
	}
	if res.Bufferbloat.Enabled || res.PacketLoss.Enabled {
		t.Errorf("optional phases should be disabled")
	}

	want := []model.Phase{model.PhasePing, model.PhaseDownload, model.PhaseUpload}
	if got := tr.Opened(); !reflect.DeepEqual(got, want) {
		t.Errorf("opened phases = %v, want %v", got, want)
	}
	if !tr.allClosed() {
		t.Errorf("not every handle was closed")
	}

	// Progress is within bounds, monotonic within a phase, reaches 100 for
	// each throughput phase and ends with Complete.
	last := map[model.Phase]float64{}
	for _, p := range progress {
		if p.Percent < 0 || p.Percent > 100 {
			t.Fatalf("progress out of bounds: %+v", p)
		}
		if p.Percent < last[p.Phase] {
			t.Fatalf("progress went backwards: %+v (was %f)", p, last[p.Phase])
		}
		last[p.Phase] = p.Percent
	}
	for _, phase := range []model.Phase{model.PhasePing, model.PhaseDownload, model.PhaseUpload} {
		if last[phase] != 100 {
			t.Errorf("%s progress ended at %f, want 100", phase, last[phase])
		}
	}
	if final := progress[len(progress)-1]; final.Phase != model.PhaseComplete || final.Percent != 100 {
		t.Errorf("final progress = %+v, want complete/100", final)
	}
}

func TestEngine_GraceExtension(t *testing.T) {
	tests := []struct {
		name string
		// Raw speed. The slow connection threshold applies to raw speeds,
		// so 0.95 Mbps extends even though it is 1.007 Mbps after overhead.
		mbps float64
		want float64
	}{
		{name: "very slow", mbps: 0.4, want: 0.424},
		{name: "just below the threshold", mbps: 0.95, want: 1.007},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			tr := newFakeTransport(clock, tt.mbps)
			cfg := testConfig()
			cfg.Duration = 2 * time.Second
			e, err := New(tr, cfg, WithClock(clock.Now))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			res, err := e.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !res.Download.GraceExtended || res.Download.GracePeriod != 3 {
				t.Errorf("download grace = %f (extended: %v), want 3 (extended: true)",
					res.Download.GracePeriod, res.Download.GraceExtended)
			}
			// The upload window is already at the cap.
			if res.Upload.GraceExtended || res.Upload.GracePeriod != 3 {
				t.Errorf("upload grace = %f (extended: %v), want 3 (extended: false)",
					res.Upload.GracePeriod, res.Upload.GraceExtended)
			}
			// Slow connections get almost the whole bonus.
			if res.Download.EffectiveDuration <= 2.9 || res.Download.EffectiveDuration >= 3 {
				t.Errorf("Download.EffectiveDuration = %f, want in (2.9, 3)",
					res.Download.EffectiveDuration)
			}
			if res.Download.MeasuredDuration < res.Download.EffectiveDuration {
				t.Errorf("phase ended before its effective duration: %f < %f",
					res.Download.MeasuredDuration, res.Download.EffectiveDuration)
			}
			if !approx(res.DownloadMbps, tt.want, 0.001) {
				t.Errorf("DownloadMbps = %f, want %f", res.DownloadMbps, tt.want)
			}
		})
	}
}

func TestEngine_NoGraceExtensionAboveThreshold(t *testing.T) {
	clock := newFakeClock()
	e, err := New(newFakeTransport(clock, 1.2), testConfig(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Download.GraceExtended || res.Download.GracePeriod != 2 {
		t.Errorf("download grace = %f (extended: %v), want 2 (extended: false)",
			res.Download.GracePeriod, res.Download.GraceExtended)
	}
}

func TestEngine_InvalidConfig(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock, 50)
	cfg := testConfig()
	cfg.Overhead.Factor = 1.5
	e, err := New(tr, cfg)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("New() error = %v, want ErrConfiguration", err)
	}
	if e != nil {
		t.Errorf("New() returned an engine for an invalid config")
	}
	if len(tr.Opened()) != 0 {
		t.Errorf("transport was used: %v", tr.Opened())
	}

	_, err = RunMeasurement(context.Background(), tr, cfg, nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("RunMeasurement() error = %v, want ErrConfiguration", err)
	}

	if _, err := New(nil, testConfig()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("New(nil) error = %v, want ErrConfiguration", err)
	}
}

func TestEngine_Abort(t *testing.T) {
	tests := []struct {
		name       string
		phase      model.Phase
		blockOpen  map[model.Phase]bool
		stallAfter map[model.Phase]int
	}{
		{
			name:      "ping",
			phase:     model.PhasePing,
			blockOpen: map[model.Phase]bool{model.PhasePing: true},
		},
		{
			// 0.5s into a 2s grace window.
			name:       "download grace",
			phase:      model.PhaseDownload,
			stallAfter: map[model.Phase]int{model.PhaseDownload: 5},
		},
		{
			// 4s into the phase, 2s into the measurement.
			name:       "download measurement",
			phase:      model.PhaseDownload,
			stallAfter: map[model.Phase]int{model.PhaseDownload: 40},
		},
		{
			name:       "upload",
			phase:      model.PhaseUpload,
			stallAfter: map[model.Phase]int{model.PhaseUpload: 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			tr := newFakeTransport(clock, 50)
			tr.blockOpen = tt.blockOpen
			tr.stallAfter = tt.stallAfter
			tr.stalled = make(chan model.Phase, 1)
			tr.openedCh = make(chan model.Phase, 10)
			e, err := New(tr, testConfig(), WithClock(clock.Now))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if err := e.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if err := e.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
				t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
			}
			if tt.blockOpen != nil {
				<-tr.openedCh
			} else {
				<-tr.stalled
			}
			if e.Phase() != tt.phase {
				t.Errorf("Phase() before Abort = %s, want %s", e.Phase(), tt.phase)
			}

			e.Abort()
			if e.Phase() != model.PhaseError {
				t.Errorf("Phase() after Abort = %s, want error", e.Phase())
			}
			// Aborting again is a no-op.
			e.Abort()

			res, err := e.Wait(context.Background())
			if !errors.Is(err, ErrAborted) {
				t.Errorf("Wait() error = %v, want ErrAborted", err)
			}
			var pe *PhaseError
			if !errors.As(err, &pe) || pe.Phase != tt.phase {
				t.Errorf("Wait() error = %v, want a %s PhaseError", err, tt.phase)
			}
			if res != nil {
				t.Errorf("Wait() returned a result for an aborted run")
			}
			if !tr.allClosed() {
				t.Errorf("the active handle was not closed")
			}
			if e.Phase() != model.PhaseError {
				t.Errorf("Phase() = %s, want error", e.Phase())
			}
		})
	}
}

func TestEngine_AbortBeforeStart(t *testing.T) {
	e, err := New(newFakeTransport(newFakeClock(), 50), testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := e.Wait(context.Background()); err == nil {
		t.Errorf("Wait() before Start should fail")
	}
	e.Abort()
	if _, err := e.Wait(context.Background()); !errors.Is(err, ErrAborted) {
		t.Errorf("Wait() error = %v, want ErrAborted", err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Errorf("Start() after Abort should fail")
	}
}

func TestEngine_TransportError(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock, 50)
	tr.openErr = map[model.Phase]error{model.PhaseDownload: errFake}
	e, err := New(tr, testConfig(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Run() error = %v, want ErrTransport", err)
	}
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Phase != model.PhaseDownload {
		t.Errorf("Run() error = %v, want a download PhaseError", err)
	}
	if res != nil {
		t.Errorf("Run() returned a result on error")
	}
	if e.Phase() != model.PhaseError {
		t.Errorf("Phase() = %s, want error", e.Phase())
	}
	if e.Err() == nil {
		t.Errorf("Err() = nil after a failed run")
	}
	want := []model.Phase{model.PhasePing, model.PhaseDownload}
	if got := tr.Opened(); !reflect.DeepEqual(got, want) {
		t.Errorf("opened phases = %v, want %v", got, want)
	}
}

func TestEngine_Timeout(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock, 50)
	tr.blockOpen = map[model.Phase]bool{model.PhasePing: true}
	e, err := New(tr, testConfig(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, err = e.Wait(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Wait() error = %v, want ErrTimeout", err)
	}
	if !tr.allClosed() {
		t.Errorf("the active handle was not closed")
	}
}

func TestEngine_TimeoutWithClosingTransport(t *testing.T) {
	// When the deadline expires, the transport closes its event channel at
	// the same time. The run must still end with a timeout, every time.
	for i := 0; i < 20; i++ {
		clock := newFakeClock()
		tr := newFakeTransport(clock, 50)
		tr.closeOnDone = true
		tr.stallAfter = map[model.Phase]int{model.PhaseUpload: 0}
		cfg := testConfig()
		cfg.Duration = time.Second
		e, err := New(tr, cfg, WithClock(clock.Now))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		res, err := e.Run(ctx)
		cancel()
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("run %d: Run() error = %v, want ErrTimeout", i, err)
		}
		if res != nil {
			t.Fatalf("run %d: Run() returned a result after the deadline", i)
		}
		if e.Phase() != model.PhaseError {
			t.Fatalf("run %d: Phase() = %s, want error", i, e.Phase())
		}
		if !tr.allClosed() {
			t.Fatalf("run %d: Run() returned before closing the transport", i)
		}
	}
}

func TestEngine_RunCanceled(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock, 50)
	tr.closeOnDone = true
	tr.stallAfter = map[model.Phase]int{model.PhaseDownload: 5}
	tr.stalled = make(chan model.Phase, 1)
	e, err := New(tr, testConfig(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-tr.stalled
		cancel()
	}()
	res, err := e.Run(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Errorf("Run() error = %v, want ErrAborted", err)
	}
	if res != nil {
		t.Errorf("Run() returned a result for a canceled run")
	}
	if !tr.allClosed() {
		t.Errorf("Run() returned before closing the transport")
	}
}

func TestEngine_TransportClosedDuringGrace(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock, 50)
	tr.closeAfter = 5
	e, err := New(tr, testConfig(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Download.GraceEnded {
		t.Errorf("download grace should not have ended")
	}
	// The speed falls back to the whole phase.
	if !approx(res.DownloadMbps, 53.0, 0.01) || res.Download.Bytes != 5*625000 {
		t.Errorf("download = %f Mbps / %d bytes", res.DownloadMbps, res.Download.Bytes)
	}
	if len(res.Anomalies) != 2 || !strings.Contains(res.Anomalies[0], "grace") {
		t.Errorf("unexpected anomalies: %v", res.Anomalies)
	}
}

func TestEngine_ZeroBytes(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock, 0)
	cfg := testConfig()
	cfg.Duration = time.Second
	e, err := New(tr, cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.DownloadMbps != 0 || res.UploadMbps != 0 {
		t.Errorf("speeds = %f/%f, want 0", res.DownloadMbps, res.UploadMbps)
	}
	found := 0
	for _, a := range res.Anomalies {
		if strings.Contains(a, "no bytes") {
			found++
		}
	}
	if found != 2 {
		t.Errorf("want two zero-byte anomalies, got %v", res.Anomalies)
	}
}

func TestEngine_OptionalPhases(t *testing.T) {
	clock := newFakeClock()
	tr := newFakeTransport(clock, 50)
	tr.bloatRTTs = []time.Duration{
		60 * time.Millisecond, 70 * time.Millisecond, 80 * time.Millisecond,
		90 * time.Millisecond, 100 * time.Millisecond,
	}
	cfg := testConfig()
	cfg.Duration = 2 * time.Second
	cfg.Bufferbloat = true
	cfg.PacketLoss = true
	reporter := &fakeReporter{pl: model.PacketLoss{Percentage: 2, Sent: 100, Received: 98}}
	e, err := New(tr, cfg, WithClock(clock.Now), WithPacketLossReporter(reporter))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := model.Bufferbloat{
		Enabled:         true,
		LoadedPing:      80,
		LatencyIncrease: 59.75,
		Rating:          "B",
	}
	if res.Bufferbloat != want {
		t.Errorf("Bufferbloat = %+v, want %+v", res.Bufferbloat, want)
	}
	wantLoss := model.PacketLoss{Enabled: true, Percentage: 2, Sent: 100, Received: 98}
	if res.PacketLoss != wantLoss {
		t.Errorf("PacketLoss = %+v, want %+v", res.PacketLoss, wantLoss)
	}
	wantPhases := []model.Phase{model.PhasePing, model.PhaseDownload, model.PhaseUpload,
		model.PhaseBufferbloat}
	if got := tr.Opened(); !reflect.DeepEqual(got, wantPhases) {
		t.Errorf("opened phases = %v, want %v", got, wantPhases)
	}
}

func TestEngine_PacketLossAnomalies(t *testing.T) {
	tests := []struct {
		name     string
		reporter PacketLossReporter
		want     string
	}{
		{
			name: "no reporter",
			want: "no packet loss reporter",
		},
		{
			name:     "reporter failure",
			reporter: &fakeReporter{err: errFake},
			want:     errFake.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			cfg := testConfig()
			cfg.Duration = time.Second
			cfg.PacketLoss = true
			opts := []Option{WithClock(clock.Now)}
			if tt.reporter != nil {
				opts = append(opts, WithPacketLossReporter(tt.reporter))
			}
			res, err := func() (*model.MeasurementResult, error) {
				e, err := New(newFakeTransport(clock, 50), cfg, opts...)
				if err != nil {
					return nil, err
				}
				return e.Run(context.Background())
			}()
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.PacketLoss.Enabled {
				t.Errorf("PacketLoss should not be enabled")
			}
			if len(res.Anomalies) != 1 || !strings.Contains(res.Anomalies[0], tt.want) {
				t.Errorf("Anomalies = %v, want one containing %q", res.Anomalies, tt.want)
			}
		})
	}
}

func TestEngine_AutoOverhead(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Duration = time.Second
	cfg.Overhead.Mode = spec.OverheadAuto
	e, err := New(newFakeTransport(clock, 50), cfg, WithClock(clock.Now),
		WithOverheadDetector(&fakeDetector{factor: 1.1}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Overhead.Detected || res.Overhead.Factor != 1.1 {
		t.Errorf("Overhead = %+v, want detected 1.1", res.Overhead)
	}
	if !approx(res.DownloadMbps, 55, 0.01) {
		t.Errorf("DownloadMbps = %f, want 55", res.DownloadMbps)
	}
	if res.Config.OverheadMode != "auto" {
		t.Errorf("Config.OverheadMode = %s, want auto", res.Config.OverheadMode)
	}
}

func TestEngine_NoGracePeriod(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Duration = time.Second
	cfg.GracePeriodEnabled = false
	e, err := New(newFakeTransport(clock, 50), cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Download.GracePeriod != 0 || !res.Download.GraceEnded {
		t.Errorf("Download = %+v, want no grace period", res.Download)
	}
	// Every byte counts, so the first event is part of the measurement.
	if res.Download.Bytes != 10*625000 {
		t.Errorf("Download.Bytes = %d, want %d", res.Download.Bytes, 10*625000)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedcore/internal/persistence"
	"github.com/m-lab/speedcore/pkg/client"
	"github.com/m-lab/speedcore/pkg/engine"
	emodel "github.com/m-lab/speedcore/pkg/engine/model"
	espec "github.com/m-lab/speedcore/pkg/engine/spec"
	"github.com/m-lab/speedcore/pkg/version"
)

const clientName = "speedcore-client"

var (
	flagServer    = flag.String("server", "", "Server address (host:port). If empty, the server is obtained from Locate")
	flagScheme    = flag.String("scheme", "wss", "Websocket scheme (wss or ws)")
	flagMID       = flag.String("mid", "", "Measurement ID to use. A random one is generated if empty")
	flagCC        = flag.String("cc", "bbr", "Congestion control algorithm to request from the server")
	flagDelay     = flag.Duration("delay", 0, "Delay between the start of each stream")
	flagNoVerify  = flag.Bool("no-verify", false, "Skip TLS certificate verification")
	flagBytes     = flag.Int("bytes", 0, "Maximum number of bytes per stream (0 = unlimited)")
	flagChunk     = flag.Int("chunk", 0, "Maximum size of a binary message (0 = protocol default)")
	flagLatency   = flag.Int("latency-port", 0, "UDP port of the latency server (0 = protocol default)")
	flagConfig    = flag.String("config", "", "Path to a YAML configuration file")
	flagOutput    = flag.String("output", "", "Directory to write the measurement result to")
	flagFormat    = flag.String("format", "human", "Output format (human or json)")
	flagDebug     = flag.Bool("debug", false, "Enable debug logging")
	flagDuration  = flag.Duration("duration", espec.DefaultDuration, "Base duration of each throughput phase")
	flagStreams   = flag.Int("streams", espec.DefaultDownloadStreams, "Number of download streams")
	flagUpStreams = flag.Int("upload-streams", espec.DefaultUploadStreams, "Number of upload streams")
	flagGrace     = flag.Bool("grace", true, "Exclude the ramp-up period from throughput results")
	flagDynamic   = flag.Bool("dynamic", true, "Enable the dynamic grace period and duration bonus")
	flagOverhead  = flag.String("overhead", string(espec.OverheadFixed), "Overhead compensation mode (fixed or auto)")
	flagFactor    = flag.Float64("overhead-factor", espec.DefaultOverheadFactor, "Overhead factor used in fixed mode")
	flagBloat     = flag.Bool("bufferbloat", false, "Measure latency under load")
	flagLoss      = flag.Bool("packet-loss", false, "Measure packet loss")
)

// buildConfig returns the engine configuration. Values from the YAML file, if
// any, are overridden by flags explicitly set on the command line.
func buildConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if *flagConfig != "" {
		var err error
		cfg, err = engine.LoadConfig(*flagConfig)
		if err != nil {
			return cfg, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "duration":
			cfg.Duration = *flagDuration
		case "streams":
			cfg.ParallelConnections = *flagStreams
		case "upload-streams":
			cfg.UploadParallelConnections = *flagUpStreams
		case "grace":
			cfg.GracePeriodEnabled = *flagGrace
		case "dynamic":
			cfg.DynamicGracePeriod = *flagDynamic
			cfg.DynamicDuration = *flagDynamic
		case "overhead":
			cfg.Overhead.Mode = espec.OverheadMode(*flagOverhead)
		case "overhead-factor":
			cfg.Overhead.Factor = *flagFactor
		case "bufferbloat":
			cfg.Bufferbloat = *flagBloat
		case "packet-loss":
			cfg.PacketLoss = *flagLoss
		}
	})
	return cfg, cfg.Validate()
}

func newEmitter(format string) (client.Emitter, error) {
	switch format {
	case "human":
		return &client.HumanReadable{Debug: *flagDebug}, nil
	case "json":
		return client.NewJSON(os.Stdout), nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := buildConfig()
	if err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	emitter, err := newEmitter(*flagFormat)
	if err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	mid := *flagMID
	if mid == "" {
		mid = uuid.NewString()
	}
	cl := client.New(clientName, version.Version, client.Config{
		Server:            *flagServer,
		Scheme:            *flagScheme,
		Delay:             *flagDelay,
		CongestionControl: *flagCC,
		MeasurementID:     mid,
		Emitter:           emitter,
		NoVerify:          *flagNoVerify,
		BytesLimit:        *flagBytes,
		ChunkSize:         *flagChunk,
		LatencyPort:       *flagLatency,
	})

	// Ctrl-C aborts the measurement.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	result, err := engine.RunMeasurement(ctx, cl, cfg, emitter.OnProgress)
	if err != nil {
		emitter.OnError(err)
		os.Exit(1)
	}
	log.Debug("Measurement completed", "mid", mid, "elapsed", time.Since(start))
	emitter.OnSummary(result)

	if *flagOutput != "" {
		writeResult(*flagOutput, mid, result)
	}
}

func writeResult(dir, mid string, result *emodel.MeasurementResult) {
	df, err := persistence.WriteDataFile(dir, "speedcore", "client", mid, result)
	if err != nil {
		log.Error("Failed to write result", "error", err)
		return
	}
	log.Info("Result written", "path", df.Path, "size", df.Size)
}

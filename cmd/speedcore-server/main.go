package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/access/token"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedcore/internal/handler"
	"github.com/m-lab/speedcore/internal/latency1"
	"github.com/m-lab/speedcore/internal/netx"
	ping1handler "github.com/m-lab/speedcore/internal/ping1"
	latency1spec "github.com/m-lab/speedcore/pkg/latency1/spec"
	"github.com/m-lab/speedcore/pkg/ping1"
	"github.com/m-lab/speedcore/pkg/throughput1/spec"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("wss_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("ws_addr", ":8080", "Listen address/port for cleartext connections")
	flagLatencyEndpoint   = flag.String("latency_addr", ":1053", "Listen address/port for UDP latency tests")
	flagLatencyTTL        = flag.Duration("latency_ttl", latency1spec.DefaultSessionCacheTTL, "Session cache TTL for latency tests")
	flagDataDir           = flag.String("datadir", "./data", "Directory to store data in")
	flagDebug             = flag.Bool("debug", false, "Enable debug logging")
	tokenVerifyKey        = flagx.FileBytesArray{}
	tokenVerify           bool
	tokenMachine          string

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenVerify, "token.verify", false, "Verify access tokens")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler, and an empty TLS configuration.
//
// This server can only be used with a net.Listener that returns netx.ConnInfo
// after accepting a new connection.
func httpServer(addr string, handler http.Handler) *http.Server {
	tlsconf := &tls.Config{}
	return &http.Server{
		Addr:      addr,
		Handler:   handler,
		TLSConfig: tlsconf,
		// NOTE: set absolute read and write timeouts for server connections.
		// This prevents clients, or middleboxes, from opening a connection and
		// holding it open indefinitely. This applies equally to TLS and non-TLS
		// servers.
		ReadTimeout:  time.Minute + 10*time.Second,
		WriteTimeout: time.Minute + 10*time.Second,
	}
}

func listen(addr string) *netx.Listener {
	tcpl, err := net.Listen("tcp", addr)
	rtx.Must(err, "failed to create listener")
	return netx.NewListener(tcpl.(*net.TCPListener))
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	v, err := token.NewVerifier(tokenVerifyKey.Get()...)
	if (tokenVerify) && err != nil {
		rtx.Must(err, "Failed to load verifier")
	}
	// Enforce tokens on uploads, downloads and latency sessions.
	txPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	tokenPaths := controller.Paths{
		spec.DownloadPath:        true,
		spec.UploadPath:          true,
		latency1spec.AuthorizeV1: true,
	}
	acm, _ := controller.Setup(ctx, v, tokenVerify, tokenMachine,
		txPaths, tokenPaths)

	throughput1Handler := handler.New(*flagDataDir)
	latency1Handler := latency1.NewHandler(*flagDataDir, *flagLatencyTTL)
	defer latency1Handler.Close()

	mux := http.NewServeMux()
	mux.Handle(spec.DownloadPath, http.HandlerFunc(throughput1Handler.Download))
	mux.Handle(spec.UploadPath, http.HandlerFunc(throughput1Handler.Upload))
	mux.Handle(ping1.PingPath, http.HandlerFunc(ping1handler.New().HandlePing))
	mux.Handle(latency1spec.AuthorizeV1, http.HandlerFunc(latency1Handler.Authorize))
	mux.Handle(latency1spec.ResultV1, http.HandlerFunc(latency1Handler.Result))

	// UDP latency server.
	udpAddr, err := net.ResolveUDPAddr("udp", *flagLatencyEndpoint)
	rtx.Must(err, "failed to resolve latency address")
	udpConn, err := net.ListenUDP("udp", udpAddr)
	rtx.Must(err, "failed to listen for latency tests")
	defer udpConn.Close()
	go latency1Handler.ProcessPacketLoop(udpConn)

	serverCleartext := httpServer(*flagEndpointCleartext, acm.Then(mux))
	log.Info("About to listen for ws tests", "endpoint", *flagEndpointCleartext)
	l := listen(serverCleartext.Addr)
	defer l.Close()
	go func() {
		err := serverCleartext.Serve(l)
		rtx.Must(err, "Could not start cleartext server")
		defer serverCleartext.Close()
	}()

	// Only start TLS-based services if certs and keys are provided
	if *flagCertFile != "" && *flagKeyFile != "" {
		server := httpServer(*flagEndpoint, acm.Then(mux))
		log.Info("About to listen for wss tests", "endpoint", *flagEndpoint)
		l := listen(server.Addr)
		defer l.Close()
		go func() {
			err := server.ServeTLS(l, *flagCertFile, *flagKeyFile)
			rtx.Must(err, "Could not start TLS server")
			defer server.Close()
		}()
	}

	<-ctx.Done()
	cancel()
}

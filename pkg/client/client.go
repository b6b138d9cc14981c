// Package client implements the transport used by the measurement engine on
// top of the throughput1, ping1 and latency1 protocols.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/m-lab/speedcore/internal/netx"
	"github.com/m-lab/speedcore/pkg/engine"
	emodel "github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/ping1"
	"github.com/m-lab/speedcore/pkg/throughput1/spec"
	"github.com/m-lab/speedcore/pkg/version"
)

const (
	// DefaultWebSocketHandshakeTimeout is the default timeout used by the client
	// for the WebSocket handshake.
	DefaultWebSocketHandshakeTimeout = 5 * time.Second

	// DefaultScheme is the default WebSocket scheme for a new Client.
	DefaultScheme = "wss"

	libraryName = "speedcore-client"
)

var (
	// ErrNoTargets is returned if all Locate targets have been tried.
	ErrNoTargets = errors.New("no targets available")

	// ErrUnsupportedPhase is returned when a handle is requested for a phase
	// that does not use the network.
	ErrUnsupportedPhase = errors.New("unsupported phase")

	libraryVersion = version.Version
)

// Locator is an interface used to get a list of available servers to test against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// Client opens throughput1 and ping1 connections for the measurement engine.
// It implements engine.Transport, engine.OverheadDetector and
// engine.PacketLossReporter.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config Config

	dialer  *websocket.Dialer
	locator Locator

	// targets caches the results from the Locate API and tIndex is the
	// index of the target in use, per service.
	mu      sync.Mutex
	targets map[string][]v2.Target
	tIndex  map[string]int

	// interfaces lists the network interfaces, for overhead detection.
	interfaces func() ([]net.Interface, error)
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// newDialer returns a websocket.Dialer whose connections are wrapped in a
// netx.Conn, so that the measurer can read their counters.
func newDialer(noVerify bool) *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: DefaultWebSocketHandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return netx.FromTCPConn(conn.(*net.TCPConn))
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: noVerify,
		},
		ReadBufferSize:  spec.MaxScaledMessageSize,
		WriteBufferSize: spec.MaxScaledMessageSize,
	}
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) *Client {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if config.Scheme == "" {
		config.Scheme = DefaultScheme
	}
	if config.Emitter == nil {
		config.Emitter = &HumanReadable{}
	}
	return &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config: config,
		dialer: newDialer(config.NoVerify),

		locator: locate.NewClient(makeUserAgent(clientName, clientVersion)),

		targets:    map[string][]v2.Target{},
		tIndex:     map[string]int{},
		interfaces: net.Interfaces,
	}
}

// Open implements engine.Transport.
func (c *Client) Open(ctx context.Context, phase emodel.Phase, opts engine.OpenOptions) (engine.Handle, error) {
	switch phase {
	case emodel.PhaseDownload:
		return c.openThroughput(ctx, spec.SubtestDownload, opts)
	case emodel.PhaseUpload:
		return c.openThroughput(ctx, spec.SubtestUpload, opts)
	case emodel.PhasePing:
		return c.openPing(ctx, opts, nil)
	case emodel.PhaseBufferbloat:
		// Latency under load: keep a download running for as long as the
		// probes last.
		load, err := c.openThroughput(ctx, spec.SubtestDownload, opts)
		if err != nil {
			return nil, err
		}
		return c.openPing(ctx, opts, load)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPhase, phase)
	}
}

func (c *Client) connect(ctx context.Context, serviceURL *url.URL, protocol string,
	query url.Values) (*websocket.Conn, error) {
	q := serviceURL.Query()
	for k, v := range query {
		q[k] = v
	}
	q.Set("client_arch", runtime.GOARCH)
	q.Set("client_library_name", libraryName)
	q.Set("client_library_version", libraryVersion)
	q.Set("client_os", runtime.GOOS)
	q.Set("client_name", c.ClientName)
	q.Set("client_version", c.ClientVersion)
	u := *serviceURL
	u.RawQuery = q.Encode()
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", protocol)
	headers.Add("User-Agent", makeUserAgent(c.ClientName, c.ClientVersion))
	conn, _, err := c.dialer.DialContext(ctx, u.String(), headers)
	return conn, err
}

// serviceURL returns the URL to use for the given path. When a server is
// configured it is used with the configured scheme and the returned index is
// -1. Otherwise the URL comes from the Locate target currently in use for
// service, whose index is returned.
func (c *Client) serviceURL(ctx context.Context, service, scheme, path string) (*url.URL, int, error) {
	if c.config.Server != "" {
		c.config.Emitter.OnDebug(fmt.Sprintf("using server provided via flags %s", c.config.Server))
		u := &url.URL{
			Scheme: scheme,
			Host:   c.config.Server,
			Path:   path,
		}
		q := u.Query()
		q.Set("mid", c.config.MeasurementID)
		u.RawQuery = q.Encode()
		return u, -1, nil
	}
	c.config.Emitter.OnDebug("using locate")
	urlStr, idx, err := c.targetURL(ctx, service, scheme+"://"+path)
	if err != nil {
		return nil, idx, err
	}
	u, err := url.Parse(urlStr)
	return u, idx, err
}

// targetURL returns the URL for key on the Locate target in use for service.
// The first call for a service contacts the Locate API. Every phase of a run
// uses the same target until skipTarget moves to the next one. Targets that
// lack key are skipped. If there are no more targets to try, it returns
// ErrNoTargets.
func (c *Client) targetURL(ctx context.Context, service, k string) (string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.targets[service]; !ok {
		targets, err := c.locator.Nearest(ctx, service)
		if err != nil {
			return "", -1, err
		}
		// cache targets on success.
		c.targets[service] = targets
	}
	targets := c.targets[service]
	for c.tIndex[service] < len(targets) {
		idx := c.tIndex[service]
		if r := targets[idx].URLs[k]; r != "" {
			return r, idx, nil
		}
		c.tIndex[service]++
	}
	return "", -1, ErrNoTargets
}

// skipTarget moves service to the Locate target after idx, unless another
// caller already moved past it.
func (c *Client) skipTarget(service string, idx int) {
	if idx < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tIndex[service] == idx {
		c.tIndex[service]++
	}
}

// connectService connects to path on the current target for service. When
// the connection fails, the next Locate target is tried.
func (c *Client) connectService(ctx context.Context, service, path, protocol string,
	query url.Values) (*websocket.Conn, *url.URL, error) {
	for {
		u, idx, err := c.serviceURL(ctx, service, c.config.Scheme, path)
		if err != nil {
			return nil, nil, err
		}
		conn, err := c.connect(ctx, u, protocol, query)
		if err == nil {
			return conn, u, nil
		}
		if idx < 0 || ctx.Err() != nil {
			return nil, nil, err
		}
		c.config.Emitter.OnDebug(fmt.Sprintf("connection to %s failed, trying the next target: %v",
			u.Host, err))
		c.skipTarget(service, idx)
	}
}

func (c *Client) openPing(ctx context.Context, opts engine.OpenOptions,
	load *throughputHandle) (engine.Handle, error) {
	closeLoad := func() {
		if load != nil {
			load.Close()
		}
	}
	q := url.Values{}
	q.Set("duration", fmt.Sprint(opts.Duration.Milliseconds()))
	conn, u, err := c.connectService(ctx, spec.ServiceName, ping1.PingPath,
		ping1.SecWebSocketProtocol, q)
	if err != nil {
		closeLoad()
		return nil, err
	}
	c.config.Emitter.OnConnect(u.Host)
	return newPingHandle(conn, load), nil
}

func getPathForSubtest(subtest spec.SubtestKind) string {
	switch subtest {
	case spec.SubtestDownload:
		return spec.DownloadPath
	case spec.SubtestUpload:
		return spec.UploadPath
	default:
		panic(fmt.Sprintf("invalid subtest: %s", subtest))
	}
}

// Checks that Client implements the engine's interfaces.
var (
	_ engine.Transport          = &Client{}
	_ engine.OverheadDetector   = &Client{}
	_ engine.PacketLossReporter = &Client{}
)

// Package latency1 implements the client side of the latency1 UDP test. The
// client obtains a kickoff packet over HTTP, sends it to the server's UDP
// port and echoes every packet the server sends back. The server computes
// RTTs and packet loss, and returns them as a Summary.
package latency1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedcore/pkg/latency1/model"
	"github.com/m-lab/speedcore/pkg/latency1/spec"
)

// ErrEmptyKickoff is returned when the server does not provide a kickoff
// packet.
var ErrEmptyKickoff = errors.New("empty kickoff packet")

// Client runs latency1 measurements.
type Client struct {
	// HTTPClient is used for the authorize and result requests.
	HTTPClient *http.Client
	// Port is the server's UDP port.
	Port int
	// Duration is the requested send duration.
	Duration time.Duration
}

// NewClient returns a Client with default settings.
func NewClient() *Client {
	return &Client{
		HTTPClient: http.DefaultClient,
		Port:       spec.DefaultPort,
		Duration:   spec.DefaultSendDuration,
	}
}

// Measure runs a latency1 measurement against the server at authorizeURL and
// returns the server's Summary, fetched from resultURL.
func (c *Client) Measure(ctx context.Context, authorizeURL, resultURL *url.URL) (*model.Summary, error) {
	authorizeURL = withDuration(authorizeURL, c.Duration)
	kickoff, err := c.get(ctx, authorizeURL)
	if err != nil {
		return nil, fmt.Errorf("authorize failed: %w", err)
	}
	if len(kickoff) == 0 {
		return nil, ErrEmptyKickoff
	}

	addr := net.JoinHostPort(authorizeURL.Hostname(), strconv.Itoa(c.Port))
	udpServer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpServer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// The server stops sending after Duration. Allow one more second for
	// the last replies.
	deadline := time.Now().Add(c.Duration + time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err = conn.Write(kickoff); err != nil {
		return nil, fmt.Errorf("failed to send kickoff message: %w", err)
	}
	echoed := c.echo(ctx, conn)
	log.Debug("latency1 echo done", "packets", echoed)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	body, err := c.get(ctx, resultURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read test results: %w", err)
	}
	var result model.Summary
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("error parsing result as JSON: %w", err)
	}
	return &result, nil
}

// echo writes back every packet received until the connection's deadline or
// the context expires. It returns the number of echoed packets.
func (c *Client) echo(ctx context.Context, conn *net.UDPConn) int {
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	recvBuf := make([]byte, 512)
	count := 0
	for {
		n, err := conn.Read(recvBuf)
		if err != nil {
			return count
		}
		if _, err = conn.Write(recvBuf[:n]); err != nil {
			return count
		}
		count++
	}
}

func (c *Client) get(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func withDuration(u *url.URL, d time.Duration) *url.URL {
	copied := *u
	q := copied.Query()
	q.Set("duration", strconv.FormatInt(d.Milliseconds(), 10))
	copied.RawQuery = q.Encode()
	return &copied
}

package throughput1_test

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedcore/internal/netx"
	"github.com/m-lab/speedcore/pkg/throughput1"
	"github.com/m-lab/speedcore/pkg/throughput1/spec"
)

func TestProtocol_Upgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, spec.DownloadPath, bytes.NewReader([]byte{}))
	r.Header.Add("Sec-Websocket-Version", "13")
	r.Header.Add("Sec-WebSocket-Key", "test")
	r.Header.Add("Connection", "upgrade")
	r.Header.Add("Upgrade", "websocket")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := throughput1.Upgrade(w, r)
		if err != nil {
			return
		}
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	rtx.Must(err, "cannot parse server URL")
	r.URL = u
	r.RequestURI = ""

	t.Run("upgrade-correct-protocol", func(t *testing.T) {
		r.Header.Set("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
		resp, err := http.DefaultTransport.RoundTrip(r)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusSwitchingProtocols {
			t.Fatalf("upgrader did not start upgrade")
		}
		if resp.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
			t.Errorf("missing subprotocol in response")
		}
	})

	t.Run("upgrade-wrong-protocol", func(t *testing.T) {
		r.Header.Set("Sec-WebSocket-Protocol", "wrong-protocol")
		resp, err := http.DefaultTransport.RoundTrip(r)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("upgrader did not return bad request on wrong protocol")
		}
	})
}

func downloadHandler(rw http.ResponseWriter, req *http.Request) {
	wsConn, err := throughput1.Upgrade(rw, req)
	if err != nil {
		return
	}
	proto := throughput1.New(wsConn)
	proto.SetChunkSize(8 << 10)
	ctx, cancel := context.WithTimeout(req.Context(), 1*time.Second)
	defer cancel()
	_, _, errCh := proto.SenderLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			// Give the close message time to reach the client.
			time.Sleep(100 * time.Millisecond)
			return
		case <-errCh:
			return
		}
	}
}

func dialer(host string) websocket.Dialer {
	return websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := net.Dial("tcp", host)
			if err != nil {
				return nil, err
			}
			return netx.FromTCPConn(conn.(*net.TCPConn))
		},
	}
}

func TestProtocol_Download(t *testing.T) {
	tcpl, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1")})
	rtx.Must(err, "failed to create listener")

	srv := &httptest.Server{
		Listener: netx.NewListener(tcpl),
		Config:   &http.Server{Handler: http.HandlerFunc(downloadHandler)},
	}
	srv.Start()
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	rtx.Must(err, "cannot get server URL")
	u.Scheme = "ws"
	u.Path = spec.DownloadPath
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)

	d := dialer(u.Host)
	conn, _, err := d.Dial(u.String(), headers)
	rtx.Must(err, "cannot dial server")
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proto := throughput1.New(conn)
	_, receiverCh, errCh := proto.ReceiverLoop(ctx)
	var measurements int
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("download did not terminate")
		case <-receiverCh:
			measurements++
		case err := <-errCh:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("unexpected close: %v", err)
			}
			_, received := proto.ApplicationBytes()
			if received == 0 {
				t.Errorf("no application bytes received")
			}
			if measurements == 0 {
				t.Errorf("no counterflow measurements received")
			}
			return
		}
	}
}

func TestProtocol_ScaleMessage(t *testing.T) {
	tests := []struct {
		name      string
		byteLimit int
		msgSize   int
		bytesSent int
		want      int
	}{
		{
			name:      "no-limit",
			byteLimit: 0,
			msgSize:   10,
			bytesSent: 100,
			want:      10,
		},
		{
			name:      "under-limit",
			byteLimit: 200,
			msgSize:   10,
			bytesSent: 100,
			want:      10,
		},
		{
			name:      "at-limit",
			byteLimit: 110,
			msgSize:   10,
			bytesSent: 100,
			want:      10,
		},
		{
			name:      "over-limit",
			byteLimit: 110,
			msgSize:   20,
			bytesSent: 100,
			want:      10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &throughput1.Protocol{}
			p.SetByteLimit(tt.byteLimit)
			if got := p.ScaleMessage(tt.msgSize, tt.bytesSent); got != tt.want {
				t.Errorf("Protocol.ScaleMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

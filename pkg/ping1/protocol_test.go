package ping1_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedcore/pkg/ping1"
)

func TestParseTicks(t *testing.T) {
	start := time.Now().Add(-time.Second)
	_, rtt, err := ping1.ParseTicks(`{"ns":500000000}`, start)
	if err != nil {
		t.Fatalf("ParseTicks() error = %v", err)
	}
	if rtt < 500*time.Millisecond || rtt > 2*time.Second {
		t.Errorf("ParseTicks() rtt = %v, want ~500ms", rtt)
	}
	if _, _, err := ping1.ParseTicks(`{"ns":-1}`, start); err != ping1.ErrNegativeRTT {
		t.Errorf("ParseTicks() negative ns error = %v", err)
	}
	if _, _, err := ping1.ParseTicks(`not json`, start); err == nil {
		t.Errorf("ParseTicks() should fail on malformed input")
	}
}

func TestProtocol_RoundTrip(t *testing.T) {
	serverRTTs := make(chan []time.Duration, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		conn, err := ping1.Upgrade(rw, req)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		rtts, _ := ping1.New(conn).Start(ctx)
		serverRTTs <- rtts
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", ping1.SecWebSocketProtocol)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + ping1.PingPath
	conn, _, err := websocket.DefaultDialer.Dial(u, headers)
	rtx.Must(err, "cannot dial server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proto := ping1.New(conn)
	rtts, _ := proto.Receive(ctx)
	for i := 0; i < 3; i++ {
		rtx.Must(proto.Ping(time.Now().Add(time.Second)), "cannot send ping")
		select {
		case rtt := <-rtts:
			if rtt <= 0 || rtt > time.Second {
				t.Errorf("unexpected rtt: %v", rtt)
			}
		case <-ctx.Done():
			t.Fatalf("no pong received")
		}
	}
	proto.Close()

	select {
	case got := <-serverRTTs:
		// The client answered the server's pings while reading.
		t.Logf("server measured %d RTTs", len(got))
	case <-ctx.Done():
		t.Fatalf("server session did not end")
	}
}

func TestUpgrade_WrongProtocol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		ping1.Upgrade(rw, req)
	}))
	defer srv.Close()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("Dial() should fail without subprotocol")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 response")
	}
}

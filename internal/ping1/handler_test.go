package ping1

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedcore/pkg/ping1"
)

func Test_durationFromQuery(t *testing.T) {
	tests := []struct {
		query string
		want  time.Duration
		ok    bool
	}{
		{query: "", ok: false},
		{query: "duration=abc", ok: false},
		{query: "duration=-5", ok: false},
		{query: "duration=1500", want: 1500 * time.Millisecond, ok: true},
		{query: "duration=600000", want: ping1.MaxDuration, ok: true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, ping1.PingPath+"?"+tt.query, nil)
		got, ok := durationFromQuery(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("durationFromQuery(%q) = %v, %v, want %v, %v", tt.query,
				got, ok, tt.want, tt.ok)
		}
	}
}

func TestHandler_HandlePing(t *testing.T) {
	h := New()
	srv := httptest.NewServer(http.HandlerFunc(h.HandlePing))
	defer srv.Close()

	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", ping1.SecWebSocketProtocol)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + ping1.PingPath + "?duration=300"
	conn, _, err := websocket.DefaultDialer.Dial(u, headers)
	rtx.Must(err, "cannot dial server")
	defer conn.Close()

	// The server closes the session once the requested duration has passed.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.NextReader()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
}

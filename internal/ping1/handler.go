// Package ping1 serves the ping1 latency protocol.
package ping1

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedcore/internal/metrics"
	"github.com/m-lab/speedcore/pkg/ping1"
)

// Handler serves ping1 sessions.
type Handler struct{}

// New returns a new Handler.
func New() *Handler {
	return &Handler{}
}

// HandlePing upgrades the request and runs a ping session. The optional
// "duration" querystring parameter sets the session length in milliseconds.
func (h *Handler) HandlePing(rw http.ResponseWriter, req *http.Request) {
	duration := ping1.DefaultDuration
	if d, ok := durationFromQuery(req); ok {
		duration = d
	}
	wsConn, err := ping1.Upgrade(rw, req)
	if err != nil {
		log.Info("Websocket upgrade failed",
			"ctx", fmt.Sprintf("%p", req.Context()), "error", err)
		metrics.ServerPings.WithLabelValues("upgrade-error").Inc()
		return
	}
	defer wsConn.Close()

	timeout, cancel := context.WithTimeout(req.Context(), duration)
	defer cancel()

	rtts, err := ping1.New(wsConn).Start(timeout)
	if err != nil {
		log.Debug("ping session ended with error",
			"ctx", fmt.Sprintf("%p", req.Context()), "error", err)
		metrics.ServerPings.WithLabelValues("error").Inc()
		return
	}
	log.Debug("ping session done", "ctx", fmt.Sprintf("%p", req.Context()),
		"samples", len(rtts))
	metrics.ServerPings.WithLabelValues("ok").Inc()
}

func durationFromQuery(req *http.Request) (time.Duration, bool) {
	ms, err := strconv.ParseInt(req.URL.Query().Get("duration"), 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	d := time.Duration(ms) * time.Millisecond
	if d > ping1.MaxDuration {
		d = ping1.MaxDuration
	}
	return d, true
}

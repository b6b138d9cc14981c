// Package handler serves the throughput1 download and upload endpoints and
// archives a Throughput1Result for every stream.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/speedcore/internal/metrics"
	"github.com/m-lab/speedcore/internal/netx"
	"github.com/m-lab/speedcore/internal/persistence"
	"github.com/m-lab/speedcore/pkg/throughput1"
	"github.com/m-lab/speedcore/pkg/throughput1/model"
	"github.com/m-lab/speedcore/pkg/throughput1/spec"
	"github.com/m-lab/speedcore/pkg/version"
)

// knownOptions are the known throughput1 options.
var knownOptions = map[string]struct{}{
	"streams":  {},
	"duration": {},
	"delay":    {},
	"cc":       {},
	"bytes":    {},
	"chunk":    {},
	"mid":      {},
}

// Handler runs throughput1 streams and writes their archival data to a
// directory.
type Handler struct {
	archivalDataDir string
}

// New returns a Handler writing archival data to archivalDataDir.
func New(archivalDataDir string) *Handler {
	return &Handler{
		archivalDataDir: archivalDataDir,
	}
}

// Download runs a download stream: the server sends.
func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	h.upgradeAndRunMeasurement(spec.SubtestDownload, rw, req)
}

// Upload runs an upload stream: the server receives.
func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	h.upgradeAndRunMeasurement(spec.SubtestUpload, rw, req)
}

// streamOptions are the validated protocol options for a single stream.
type streamOptions struct {
	streams   string
	duration  time.Duration
	byteLimit int
	chunkSize int
}

func parseOptions(req *http.Request) (*streamOptions, error) {
	query := req.URL.Query()
	opts := &streamOptions{
		streams:  query.Get("streams"),
		duration: spec.DefaultRuntime,
	}
	if opts.streams == "" {
		return nil, errors.New("missing streams")
	}
	if _, err := strconv.Atoi(opts.streams); err != nil {
		return nil, fmt.Errorf("invalid streams: %w", err)
	}
	if s := query.Get("duration"); s != "" {
		ms, err := strconv.Atoi(s)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid duration: %q", s)
		}
		opts.duration = time.Duration(ms) * time.Millisecond
		if opts.duration > spec.MaxRuntime {
			opts.duration = spec.MaxRuntime
		}
	}
	if s := query.Get("bytes"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid byte limit: %q", s)
		}
		opts.byteLimit = n
	}
	if s := query.Get("chunk"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid chunk size: %q", s)
		}
		opts.chunkSize = n
	}
	return opts, nil
}

func (h *Handler) upgradeAndRunMeasurement(kind spec.SubtestKind, rw http.ResponseWriter,
	req *http.Request) {
	mid, err := GetMIDFromRequest(req)
	if err != nil {
		log.Info("Received request without mid", "source", req.RemoteAddr,
			"error", err)
		writeBadRequest(rw)
		metrics.ServerStreams.WithLabelValues(string(kind), "bad-request").Inc()
		return
	}

	// Read known protocol options from the querystring and validate them.
	opts, err := parseOptions(req)
	if err != nil {
		log.Info("Invalid options", "source", req.RemoteAddr, "error", err)
		writeBadRequest(rw)
		metrics.ServerStreams.WithLabelValues(string(kind), "bad-request").Inc()
		return
	}
	query := req.URL.Query()
	requestCC := query.Get("cc")
	requestDelay := query.Get("delay")

	// Read metadata (i.e. everything in the querystring that's not a known
	// option).
	metadata, err := getRequestMetadata(req)
	if err != nil {
		log.Info("Error while parsing metadata", "source", req.RemoteAddr,
			"error", err)
		writeBadRequest(rw)
		metrics.ServerStreams.WithLabelValues(string(kind), "bad-request").Inc()
		return
	}

	// Everything looks good, try upgrading the connection to WebSocket.
	// Once upgraded, the underlying TCP connection is hijacked and the
	// throughput1 protocol code will take care of closing it. Note that for
	// this reason we cannot call writeBadRequest after attempting an Upgrade.
	wsConn, err := throughput1.Upgrade(rw, req)
	if err != nil {
		log.Info("Websocket upgrade failed", "ctx", fmt.Sprintf("%p", req.Context()),
			"error", err)
		metrics.ServerStreams.WithLabelValues(string(kind), "upgrade-error").Inc()
		return
	}
	defer wsConn.Close()

	// Now that the connection has been upgraded to WebSocket, we get access to
	// the underlying TCP connection. If this is not a netx.Conn, it means the
	// server was not initialized correctly and the following line will panic.
	conn := netx.ToConnInfo(wsConn.UnderlyingConn())

	// If a congestion control algorithm was requested, attempt to set it here.
	// Errors are not fatal: for example, the client might have requested a
	// congestion control algorithm that's not available on this system. In
	// this case, we should still run with the default and record the requested
	// vs/ actual CC used in the archival data.
	if requestCC != "" {
		if err := conn.SetCC(requestCC); err != nil {
			log.Info("Failed to set cc", "ctx", fmt.Sprintf("%p", req.Context()),
				"cc", requestCC, "error", err)
		}
	}

	uuid := conn.UUID()
	archivalData := model.Throughput1Result{
		MeasurementID:  mid,
		UUID:           uuid,
		StartTime:      time.Now(),
		Server:         wsConn.UnderlyingConn().LocalAddr().String(),
		Client:         wsConn.UnderlyingConn().RemoteAddr().String(),
		Direction:      string(kind),
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        version.Version,
		ClientMetadata: metadata,
		ClientOptions: []model.NameValue{
			{Name: "streams", Value: opts.streams},
			{Name: "duration", Value: query.Get("duration")},
			{Name: "delay", Value: requestDelay},
			{Name: "cc", Value: requestCC},
			{Name: "bytes", Value: query.Get("bytes")},
			{Name: "chunk", Value: query.Get("chunk")},
		},
	}
	status := "ok"
	defer func() {
		archivalData.EndTime = time.Now()
		h.writeResult(uuid, kind, &archivalData)
		metrics.ServerStreams.WithLabelValues(string(kind), status).Inc()
	}()

	// Set the runtime to the requested duration.
	timeout, cancel := context.WithTimeout(req.Context(), opts.duration)
	defer cancel()

	proto := throughput1.New(wsConn)
	proto.SetByteLimit(opts.byteLimit)
	if opts.chunkSize > 0 {
		proto.SetChunkSize(opts.chunkSize)
	}
	var senderCh, receiverCh <-chan model.WireMeasurement
	var errCh <-chan error
	if kind == spec.SubtestDownload {
		senderCh, receiverCh, errCh = proto.SenderLoop(timeout)
	} else {
		senderCh, receiverCh, errCh = proto.ReceiverLoop(timeout)
	}

	for {
		select {
		case <-timeout.Done():
			return
		case m := <-senderCh:
			// If this is a download test we are the sender, so we can populate
			// CCAlgorithm as soon as it's sent out at least once.
			if kind == spec.SubtestDownload && m.CC != "" {
				archivalData.CCAlgorithm = m.CC
			}
			archivalData.ServerMeasurements = append(
				archivalData.ServerMeasurements, m.Measurement)
		case m := <-receiverCh:
			// Same for upload tests, but in this case the sender is the
			// client. If the client ever sends the CC it's using, save it.
			if kind == spec.SubtestUpload && m.CC != "" {
				archivalData.CCAlgorithm = m.CC
			}
			archivalData.ClientMeasurements = append(archivalData.ClientMeasurements,
				m.Measurement)
		case err := <-errCh:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				log.Info("Connection closed unexpectedly",
					"ctx", fmt.Sprintf("%p", req.Context()), "error", err)
				status = "unexpected-close"
			}
			return
		}
	}
}

func (h *Handler) writeResult(uuid string, kind spec.SubtestKind, result *model.Throughput1Result) {
	_, err := persistence.WriteDataFile(
		h.archivalDataDir, "throughput1", string(kind), uuid,
		result)
	if err != nil {
		log.Error("failed to write throughput1 result", "uuid", uuid, "error", err)
	}
}

// GetMIDFromRequest extracts the measurement id ("mid") from a given HTTP
// request, if present.
//
// A measurement ID can be specified in two ways: via a "mid" querystring
// parameter (when access tokens are not required) or via the ID field
// in the JWT access token.
func GetMIDFromRequest(req *http.Request) (string, error) {
	// If the request includes a valid JWT token, the claim and the ID are in
	// the request's context already.
	claims := controller.GetClaim(req.Context())
	if claims != nil {
		return claims.ID, nil
	}

	// Otherwise, try getting the "mid" querystring parameter.
	if mid := req.URL.Query().Get("mid"); mid != "" {
		return mid, nil
	}

	return "", errors.New("no valid token nor mid found in the request")
}

// writeBadRequest sends a Bad Request response to the client using writer.
func writeBadRequest(writer http.ResponseWriter) {
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

func getRequestMetadata(req *http.Request) ([]model.NameValue, error) {
	// "metadata" in this context refers to any querystring parameter that is
	// not recognized as option.
	query := req.URL.Query()
	filtered := []model.NameValue{}
	for k, v := range query {
		// This maximum length for keys and values is meant to limit abuse.
		if len(k) > 50 || len(v[0]) > 512 {
			return nil, errors.New("maximum key or value length exceeded")
		}
		// Filter known options.
		if _, ok := knownOptions[k]; !ok {
			filtered = append(filtered, model.NameValue{
				Name:  k,
				Value: v[0],
			})
		}
	}
	return filtered, nil
}

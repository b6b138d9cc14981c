package client

import (
	"context"
	"strings"

	emodel "github.com/m-lab/speedcore/pkg/engine/model"
	"github.com/m-lab/speedcore/pkg/latency1"
	"github.com/m-lab/speedcore/pkg/latency1/spec"
)

// PacketLoss implements engine.PacketLossReporter by running a latency1
// measurement against the same server.
func (c *Client) PacketLoss(ctx context.Context) (emodel.PacketLoss, error) {
	scheme := httpScheme(c.config.Scheme)
	authorizeURL, _, err := c.serviceURL(ctx, spec.ServiceName, scheme, spec.AuthorizeV1)
	if err != nil {
		return emodel.PacketLoss{}, err
	}
	resultURL, _, err := c.serviceURL(ctx, spec.ServiceName, scheme, spec.ResultV1)
	if err != nil {
		return emodel.PacketLoss{}, err
	}

	lc := latency1.NewClient()
	if c.config.LatencyPort > 0 {
		lc.Port = c.config.LatencyPort
	}
	c.config.Emitter.OnDebug("starting latency1 measurement against " + authorizeURL.Host)
	summary, err := lc.Measure(ctx, authorizeURL, resultURL)
	if err != nil {
		return emodel.PacketLoss{}, err
	}
	return emodel.PacketLoss{
		Enabled:    true,
		Percentage: summary.LossRate() * 100,
		Sent:       summary.PacketsSent,
		Received:   summary.PacketsReceived,
	}, nil
}

// httpScheme maps a WebSocket scheme to the matching HTTP scheme.
func httpScheme(ws string) string {
	if strings.EqualFold(ws, "wss") {
		return "https"
	}
	return "http"
}

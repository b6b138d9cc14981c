package client

import (
	"context"
	"errors"
	"net"

	"github.com/m-lab/speedcore/pkg/engine/spec"
)

// Per-packet overhead, in bytes, not accounted for by application-level
// byte counters.
const (
	// ethernetFraming is the Ethernet header and FCS plus preamble and
	// inter-frame gap.
	ethernetFraming = 38
	ipv4Header      = 20
	ipv6Header      = 40
	// tcpHeader includes the timestamp option.
	tcpHeader = 32
)

// ErrNoInterface is returned when no suitable network interface is found.
var ErrNoInterface = errors.New("no suitable network interface")

// DetectOverhead implements engine.OverheadDetector. The factor is derived
// from the MTU of the interface used to reach the server, or of the first
// active non-loopback interface when the server is unknown.
func (c *Client) DetectOverhead(ctx context.Context) (float64, error) {
	ifaces, err := c.interfaces()
	if err != nil {
		return 0, err
	}
	iface, ipv6 := pickInterface(ifaces, c.localIP(ctx))
	if iface == nil {
		return 0, ErrNoInterface
	}
	return OverheadFactor(iface.MTU, ipv6), nil
}

// OverheadFactor returns the ratio between bytes on the wire and TCP payload
// bytes for full-sized segments on a link with the given MTU. The result is
// clamped to the range accepted by the engine.
func OverheadFactor(mtu int, ipv6 bool) float64 {
	ip := ipv4Header
	if ipv6 {
		ip = ipv6Header
	}
	payload := mtu - ip - tcpHeader
	if payload <= 0 {
		return spec.MaxOverheadFactor
	}
	f := float64(mtu+ethernetFraming) / float64(payload)
	switch {
	case f < spec.MinOverheadFactor:
		return spec.MinOverheadFactor
	case f > spec.MaxOverheadFactor:
		return spec.MaxOverheadFactor
	}
	return f
}

// localIP returns the local address used to reach the configured server, if
// any. No packet is sent: connecting a UDP socket only selects a route.
func (c *Client) localIP(ctx context.Context) net.IP {
	if c.config.Server == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(c.config.Server)
	if err != nil {
		host = c.config.Server
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(host, "9"))
	if err != nil {
		return nil
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP
	}
	return nil
}

// pickInterface returns the interface owning ip or, when ip is nil or not
// found, the first interface that is up and not a loopback.
func pickInterface(ifaces []net.Interface, ip net.IP) (*net.Interface, bool) {
	if ip != nil {
		for i := range ifaces {
			addrs, err := ifaces[i].Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
					return &ifaces[i], ip.To4() == nil
				}
			}
		}
	}
	for i := range ifaces {
		f := ifaces[i].Flags
		if f&net.FlagUp != 0 && f&net.FlagLoopback == 0 && ifaces[i].MTU > 0 {
			return &ifaces[i], false
		}
	}
	return nil, false
}

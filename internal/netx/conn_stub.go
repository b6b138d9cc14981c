//go:build !linux
// +build !linux

package netx

import (
	"net"
	"time"
)

// newConn wraps tc. Kernel metrics are Linux-only, so no file descriptor is
// kept.
func newConn(tc *net.TCPConn, acceptTime time.Time) (*Conn, error) {
	return &Conn{
		Conn:       tc,
		acceptTime: acceptTime,
	}, nil
}

func (c *Conn) close() error {
	return c.Conn.Close()
}

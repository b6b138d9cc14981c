package netx

import (
	"net"
	"time"
)

// newConn wraps tc, keeping a duplicate of its file descriptor for TCP_INFO,
// BBR and congestion control. The duplicate is closed along with the Conn.
// On failure tc is closed.
func newConn(tc *net.TCPConn, acceptTime time.Time) (*Conn, error) {
	fp, err := tc.File()
	if err != nil {
		tc.Close()
		return nil, err
	}
	return &Conn{
		Conn:       tc,
		fp:         fp,
		acceptTime: acceptTime,
	}, nil
}

func (c *Conn) close() error {
	fpErr := c.fp.Close()
	if err := c.Conn.Close(); err != nil {
		return err
	}
	return fpErr
}

// Package congestion sets the congestion control algorithm and reads BBR
// variables of a socket. Only Linux is supported; elsewhere every call
// returns ErrNoSupport.
package congestion

import (
	"errors"
	"os"

	"github.com/m-lab/tcp-info/inetdiag"
)

// ErrNoSupport indicates that this system does not support BBR.
var ErrNoSupport = errors.New("TCP_CC_INFO not supported")

// Set sets the congestion control algorithm for |fp|.
func Set(fp *os.File, cc string) error {
	return set(fp, cc)
}

// Get returns the congestion control algorithm in use for |fp|.
func Get(fp *os.File) (string, error) {
	return get(fp)
}

// GetBBRInfo obtains BBR info from |fp|.
func GetBBRInfo(fp *os.File) (inetdiag.BBRInfo, error) {
	return getMaxBandwidthAndMinRTT(fp)
}

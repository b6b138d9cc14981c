package congestion

import (
	"os"

	"github.com/m-lab/ndt-server/bbr"
	"github.com/m-lab/tcp-info/inetdiag"
	"golang.org/x/sys/unix"
)

func set(fp *os.File, cc string) error {
	if fp == nil {
		return ErrNoSupport
	}
	return unix.SetsockoptString(int(fp.Fd()), unix.IPPROTO_TCP, unix.TCP_CONGESTION, cc)
}

func get(fp *os.File) (string, error) {
	if fp == nil {
		return "", ErrNoSupport
	}
	return unix.GetsockoptString(int(fp.Fd()), unix.IPPROTO_TCP, unix.TCP_CONGESTION)
}

func getMaxBandwidthAndMinRTT(fp *os.File) (inetdiag.BBRInfo, error) {
	if fp == nil {
		return inetdiag.BBRInfo{}, ErrNoSupport
	}
	return bbr.GetBBRInfo(fp)
}

//go:build !linux
// +build !linux

package congestion

import (
	"fmt"
	"os"
	"runtime"

	"github.com/m-lab/tcp-info/inetdiag"
)

var errUnsupported = fmt.Errorf("%w on %s", ErrNoSupport, runtime.GOOS)

func set(*os.File, string) error {
	return errUnsupported
}

func get(*os.File) (string, error) {
	return "", errUnsupported
}

func getMaxBandwidthAndMinRTT(*os.File) (inetdiag.BBRInfo, error) {
	return inetdiag.BBRInfo{}, errUnsupported
}

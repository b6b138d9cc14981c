//go:build !linux
// +build !linux

package congestion

import (
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
)

func Test_Set(t *testing.T) {
	// This is unsupported on non-Linux systems.
	if err := Set(&os.File{}, ""); !errors.Is(err, ErrNoSupport) {
		t.Errorf("expected ErrNoSupport, got: %v", err)
	}
}

func Test_Get(t *testing.T) {
	cc, err := Get(&os.File{})
	if cc != "" {
		t.Errorf("unexpected value")
	}
	if !errors.Is(err, ErrNoSupport) {
		t.Errorf("expected ErrNoSupport, got: %v", err)
	}
}

func Test_GetBBRInfo(t *testing.T) {
	_, err := GetBBRInfo(&os.File{})
	if !errors.Is(err, ErrNoSupport) {
		t.Errorf("expected ErrNoSupport, got: %v", err)
	}
	// The error names the platform.
	if err != nil && !strings.Contains(err.Error(), runtime.GOOS) {
		t.Errorf("error %q does not mention %s", err, runtime.GOOS)
	}
}

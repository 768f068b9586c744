//go:build !linux

package probe

import (
	"fmt"
	"os"
)

// ODirectFlag and DSyncFlag are 0 on non-Linux builds: Probe always
// reports both capabilities false here, so segment.go never actually ORs
// these in, but the constants must still exist for the package to build.
const (
	ODirectFlag = 0
	DSyncFlag   = 0
)

func probeImpl(dir string) Capabilities {
	return Capabilities{}
}

func fallocateImpl(f *os.File, size int64) error {
	return f.Truncate(size)
}

func fdatasyncImpl(f *os.File) error {
	return f.Sync()
}

// NewAIOContext is never reachable on non-Linux platforms: Probe always
// reports AIO: false there, and logstore only calls this when Probe said
// otherwise.
func NewAIOContext(maxInFlight int) (AIOContext, error) {
	return nil, fmt.Errorf("probe: kernel AIO is only available on linux")
}

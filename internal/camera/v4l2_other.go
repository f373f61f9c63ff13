//go:build !linux

package camera

import (
	"fmt"
	"runtime"
)

// NewV4L2Driver はLinux以外では利用できない
func NewV4L2Driver(_ DriverConfig) (Driver, error) {
	return nil, fmt.Errorf("V4L2ドライバーはLinuxでのみ利用できます (現在: %s)", runtime.GOOS)
}

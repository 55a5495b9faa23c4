//go:build !linux

package serial

import (
	"fmt"
	"runtime"
)

func openPort(cfg Config) (Port, error) {
	return nil, fmt.Errorf("open %s: serial ports are not supported on %s", cfg.Device, runtime.GOOS)
}

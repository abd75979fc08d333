//go:build !linux && !darwin

package system

import (
	"fmt"
	"runtime"
)

func getRAMInfo() (*RAMInfo, error) {
	return nil, fmt.Errorf("memory information not supported on %s", runtime.GOOS)
}

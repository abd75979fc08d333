// Package system reports host memory so the buffer allocator can size its
// budget.
package system

import (
	"fmt"
	"runtime"
)

// RAMInfo contains information about system memory
type RAMInfo struct {
	TotalBytes     int64
	AvailableBytes int64
	UsedBytes      int64
}

// GetRAMInfo returns information about system RAM
func GetRAMInfo() (*RAMInfo, error) {
	return getRAMInfo()
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// BufferBudget returns the share of available RAM that graphics buffers may
// occupy. fraction must be in (0, 1].
func BufferBudget(fraction float64) (int64, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, fmt.Errorf("memory fraction %.2f out of range (0, 1]", fraction)
	}
	info, err := GetRAMInfo()
	if err != nil {
		return 0, err
	}
	return budgetOf(info, fraction), nil
}

func budgetOf(info *RAMInfo, fraction float64) int64 {
	return int64(float64(info.AvailableBytes) * fraction)
}

// GetPlatform returns the current platform
func GetPlatform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

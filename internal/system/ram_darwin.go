package system

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func getRAMInfo() (*RAMInfo, error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return nil, fmt.Errorf("failed to get total memory: %w", err)
	}

	vmOutput, err := exec.Command("vm_stat").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get vm_stat: %w", err)
	}

	var freePages, inactivePages int64
	pageSize := int64(unix.Getpagesize())

	for _, line := range strings.Split(string(vmOutput), "\n") {
		fields := strings.Fields(line)
		switch {
		case strings.HasPrefix(line, "Pages free:") && len(fields) >= 3:
			freePages, _ = strconv.ParseInt(strings.TrimSuffix(fields[2], "."), 10, 64)
		case strings.HasPrefix(line, "Pages inactive:") && len(fields) >= 3:
			inactivePages, _ = strconv.ParseInt(strings.TrimSuffix(fields[2], "."), 10, 64)
		}
	}

	// Available memory is roughly free + inactive pages
	available := (freePages + inactivePages) * pageSize

	return &RAMInfo{
		TotalBytes:     int64(total),
		AvailableBytes: available,
		UsedBytes:      int64(total) - available,
	}, nil
}

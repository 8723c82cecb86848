//go:build linux

package trackcache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemFreeMemory returns the free RAM reported by sysinfo(2).
func SystemFreeMemory() (uint64, error) {
	var info unix.Sysinfo_t

	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}

	return uint64(info.Freeram) * uint64(info.Unit), nil
}

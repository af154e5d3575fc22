//go:build linux || darwin

package health

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func diskSpace(path string) (free, total uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to get disk stats: %w", err)
	}
	// Bsize is always positive on supported platforms.
	bsize := uint64(stat.Bsize) //nolint:gosec // G115: safe conversion
	return stat.Bavail * bsize, stat.Blocks * bsize, nil
}

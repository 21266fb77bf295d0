//go:build linux || darwin

package media

import (
	"errors"
	"syscall"
)

// FreeBytes reports the space available to unprivileged writers on the
// filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

// IsNoSpace reports whether err wraps the filesystem's out-of-space errno.
func IsNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

//go:build linux

package fs

import (
	"os"

	"golang.org/x/sys/unix"
)

// VolumeReadOnly reports whether the file system holding path is mounted
// read-only.
func VolumeReadOnly(path string) (bool, error) {
	var st unix.Statfs_t

	if err := unix.Statfs(path, &st); err != nil {
		return false, &os.PathError{Op: "statfs", Path: path, Err: err}
	}

	return st.Flags&unix.ST_RDONLY != 0, nil
}

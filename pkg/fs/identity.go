package fs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Identity uniquely identifies an open file by device and inode.
//
// Two drive units whose images share an Identity are looking at the same
// bytes through different paths (hard link, bind mount, symlink).
type Identity struct {
	Dev uint64
	Ino uint64
}

// IdentityOf returns the device/inode pair of the open file f.
func IdentityOf(f File) (Identity, error) {
	var st unix.Stat_t

	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return Identity{}, fmt.Errorf("fstat %s: %w", f.Name(), err)
	}

	return Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil //nolint:unconvert // Dev width varies by platform.
}

// SameFile reports whether a and b are the same file-system object.
func SameFile(a, b File) (bool, error) {
	ida, err := IdentityOf(a)
	if err != nil {
		return false, err
	}

	idb, err := IdentityOf(b)
	if err != nil {
		return false, err
	}

	return ida == idb, nil
}

package fs

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileWritable reports whether the calling process may open path for
// writing, using access(2) with W_OK.
//
// Returns (false, nil) for permission-style denials and (false, err) for
// anything else, such as a missing file.
func FileWritable(path string) (bool, error) {
	err := unix.Access(path, unix.W_OK)
	if err == nil {
		return true, nil
	}

	if IsWriteProtectErr(err) {
		return false, nil
	}

	return false, &os.PathError{Op: "access", Path: path, Err: err}
}

// WritableTarget checks that both the volume holding path and the file itself
// accept writes. It returns an error wrapping volumeErr or fileErr naming the
// first check that failed, or the error from checking.
func WritableTarget(path string, volumeErr, fileErr error) error {
	ro, err := VolumeReadOnly(path)
	if err != nil {
		return err
	}

	if ro {
		return fmt.Errorf("%s: %w", path, volumeErr)
	}

	ok, err := FileWritable(path)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%s: %w", path, fileErr)
	}

	return nil
}

// IsWriteProtectErr reports whether err means the medium refuses writes:
// EROFS, EACCES or EPERM.
func IsWriteProtectErr(err error) bool {
	return errors.Is(err, unix.EROFS) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}

// IsMediumGone reports whether err means the backing file or its device went
// away underneath an open handle.
func IsMediumGone(err error) bool {
	switch {
	case errors.Is(err, unix.ENOENT),
		errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.ENXIO),
		errors.Is(err, unix.ESTALE),
		errors.Is(err, unix.EBADF),
		errors.Is(err, os.ErrClosed):
		return true
	default:
		return false
	}
}

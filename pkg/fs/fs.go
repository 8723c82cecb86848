// Package fs provides the backing-store abstraction for disk image files.
//
// The main types are:
//   - [FS]: interface for the filesystem operations a drive unit needs
//   - [File]: interface for an open image (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//   - [Chaos]: testing implementation that counts operations and injects
//     random or sticky failures
//
// Helpers built on [golang.org/x/sys/unix] answer the questions a drive asks
// about its image: [IdentityOf]/[SameFile] (is this the same inode as another
// drive's image), [TryLock] (is another process using it), [VolumeReadOnly]
// and [FileWritable] (can write protection be lifted), and [IsWriteProtectErr]
// / [IsMediumGone] (what an I/O error means for the medium).
//
// Example usage:
//
//	fsys := fs.NewReal()
//	f, err := fsys.OpenFile("disk.adf", os.O_RDWR, 0)
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open image file.
//
// This interface is satisfied by [os.File]. Implementations must behave like
// [os.File], including that [File.Fd] returns a valid OS file descriptor
// usable with syscalls (flock, fstat) until the file is closed.
//
// Like [os.File], Write on a handle opened read-only returns an error.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Name returns the path the file was opened with. See [os.File.Name].
	Name() string

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the filesystem operations used to open and inspect images.
//
// Implementations in this package include:
//   - [Real]: production use, wraps [os] package
//   - [Chaos]: testing use, injects failures and counts I/O
//
// Paths use OS semantics (like the os package and path/filepath).
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)

package fs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by [TryLock] when another open file description
// holds a conflicting lock.
var ErrWouldBlock = errors.New("lock would block")

// TryLock takes a non-blocking advisory flock(2) on f: exclusive for images
// opened read-write, shared for read-only ones. Returns [ErrWouldBlock] when
// the lock is held elsewhere.
//
// flock applies to the open file description, so the lock is released when f
// is closed. [Unlock] releases it early.
func TryLock(f File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	err := flockRetryEINTR(int(f.Fd()), how|unix.LOCK_NB)
	if err == nil {
		return nil
	}

	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("%s: %w", f.Name(), ErrWouldBlock)
	}

	return fmt.Errorf("flock %s: %w", f.Name(), err)
}

// Unlock releases a lock taken with [TryLock].
func Unlock(f File) error {
	if err := flockRetryEINTR(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}

	return nil
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could
// complete. The retry count is capped so a pathological signal storm cannot
// spin forever.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}

package trackdisk

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang/glog"

	"github.com/calvinalkan/trackdisk/pkg/fs"
)

type controlKind uint8

const (
	ctlInsert controlKind = iota + 1
	ctlEject
	ctlWriteProtect
	ctlCache
	ctlRelease
	ctlShutdown
)

// control is a message for the unit worker. Control messages run to
// completion before the worker looks at its queue again.
type control struct {
	kind   controlKind
	medium *medium
	on     bool
	reply  chan error
}

// handleControl runs msg and reports whether the worker must exit.
func (u *Unit) handleControl(msg *control) bool {
	var err error

	switch msg.kind {
	case ctlInsert:
		err = u.insert(msg.medium)
	case ctlEject:
		err = u.eject()
	case ctlWriteProtect:
		err = u.changeWriteProtect(msg.on)
	case ctlCache:
		err = u.changeCache(msg.on)
	case ctlRelease:
		err = u.release()
	case ctlShutdown:
		if u.present {
			msg.reply <- ErrObjectInUse

			return false
		}

		u.shutdown()
		msg.reply <- nil

		return true
	default:
		err = fmt.Errorf("%w: control %d", ErrUnknownCommand, msg.kind)
	}

	msg.reply <- err

	return false
}

// insert installs a vetted medium. The caller owns m.file until insert
// succeeds.
func (u *Unit) insert(m *medium) error {
	if u.present {
		return ErrAlreadyInUse
	}

	if len(u.buf) != m.geo.TrackSize() {
		u.buf = make([]byte, m.geo.TrackSize())
	}

	u.file = m.file
	u.readOnly = m.readOnly
	u.track = noTrack
	u.pos = unknownPos
	u.force = false

	u.mu.Lock()
	u.present = true
	u.path = m.path
	u.fileSize = m.size
	u.geo = m.geo
	u.identity = m.identity
	u.writeProt = m.writeProt
	u.motor = false
	u.dirty = false
	u.cacheOn = m.cache && u.cache.Enabled() && m.geo.DriveType.Cacheable()
	u.hits, u.misses = 0, 0
	u.meta = m.meta
	u.sums = m.sums
	u.diskSumStale = true
	u.motorOffPending = false
	u.mu.Unlock()

	if m.prefill && u.useCache() && u.cache.Capacity() >= m.geo.DiskSize() {
		u.prefill()

		if !u.present {
			return fmt.Errorf("%w: %s lost during prefill", ErrDiskChanged, m.path)
		}
	}

	glog.V(1).Infof("trackdisk: unit %d inserted %s (%s, protected=%v, cache=%v)",
		u.num, m.path, m.geo.DriveType, m.writeProt, u.cacheOn)

	u.triggerChange()

	return nil
}

// eject flushes and releases the medium. A flush that leaves the track dirty
// fails the eject and keeps the medium inserted. A write-protected or lost
// medium has nothing left to flush and is released.
func (u *Unit) eject() error {
	if !u.present {
		return nil
	}

	if u.motor {
		return ErrDriveInUse
	}

	if err := u.writeBack(false); err != nil {
		if !u.present {
			return nil
		}

		if u.dirty {
			return fmt.Errorf("eject: %w", err)
		}

		glog.Warningf("trackdisk: unit %d eject flush: %v", u.num, err)
	}

	path := u.path
	u.closeMedium()

	glog.V(1).Infof("trackdisk: unit %d ejected %s", u.num, path)

	u.triggerChange()

	return nil
}

// release stops the motor and ejects regardless of a failed flush. The flush
// error is returned after the medium is gone.
func (u *Unit) release() error {
	if !u.present {
		return nil
	}

	err := u.writeBack(false)
	if err != nil && u.present && u.dirty {
		glog.Warningf("trackdisk: unit %d discarding dirty track %d: %v", u.num, u.track, err)
	}

	if u.present {
		path := u.path
		u.closeMedium()

		glog.V(1).Infof("trackdisk: unit %d released %s", u.num, path)

		u.triggerChange()
	}

	if err != nil {
		return fmt.Errorf("release: %w", err)
	}

	return nil
}

// loseMedium heals the unit after the backing file went away.
func (u *Unit) loseMedium(cause error) {
	if !u.present {
		return
	}

	glog.Warningf("trackdisk: unit %d lost medium %s: %v", u.num, u.path, cause)

	u.closeMedium()
	u.triggerChange()
}

func (u *Unit) closeMedium() {
	if err := u.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		glog.Warningf("trackdisk: unit %d close %s: %v", u.num, u.path, err)
	}

	u.cache.InvalidateUnit(u.num)
	u.file = nil
	u.readOnly = false
	u.pos = unknownPos
	u.clearBuffer()

	u.mu.Lock()
	u.present = false
	u.path = ""
	u.fileSize = 0
	u.identity = fs.Identity{}
	u.writeProt = false
	u.motor = false
	u.cacheOn = false
	u.meta = Metadata{}
	u.sums = nil
	u.diskSumStale = false
	u.motorOffPending = false
	u.mu.Unlock()
}

// changeWriteProtect sets or clears write protection. Clearing it requires a
// writable volume and file; a medium inserted through a read-only handle is
// reopened read-write.
func (u *Unit) changeWriteProtect(on bool) error {
	if u.writeProt == on {
		return nil
	}

	if !u.present {
		return ErrNoMediumPresent
	}

	if u.motor {
		return ErrDriveInUse
	}

	if on {
		if err := u.writeBack(false); err != nil {
			return err
		}

		u.setWriteProt(true)

		return nil
	}

	if err := fs.WritableTarget(u.path, ErrReadOnlyVolume, ErrReadOnlyFile); err != nil {
		return err
	}

	if u.readOnly {
		if err := u.reopenWritable(); err != nil {
			return err
		}
	}

	u.setWriteProt(false)

	return nil
}

// reopenWritable swaps the read-only handle for a read-write one on the same
// file, moving the image lock from shared to exclusive.
func (u *Unit) reopenWritable() error {
	f, err := u.fsys.OpenFile(u.path, os.O_RDWR, 0)
	if err != nil {
		if fs.IsWriteProtectErr(err) {
			return fmt.Errorf("%w: %w", ErrReadOnlyFile, err)
		}

		return fmt.Errorf("%w: reopen: %w", ErrSeekOrWrite, err)
	}

	same, err := fs.SameFile(u.file, f)
	if err != nil || !same {
		_ = f.Close()

		if err == nil {
			err = fmt.Errorf("%s was replaced", u.path)
		}

		return fmt.Errorf("%w: %w", ErrDiskChanged, err)
	}

	if err := fs.Unlock(u.file); err != nil {
		return errors.Join(fmt.Errorf("%w: unlock: %w", ErrSeekOrWrite, err), f.Close())
	}

	if err := fs.TryLock(f, true); err != nil {
		err = fmt.Errorf("%w: %w", ErrAlreadyInUse, err)

		if relockErr := fs.TryLock(u.file, false); relockErr != nil {
			glog.Warningf("trackdisk: unit %d holds %s unlocked: %v", u.num, u.path, relockErr)

			err = errors.Join(err, fmt.Errorf("relock: %w", relockErr))
		}

		return errors.Join(err, f.Close())
	}

	_ = u.file.Close()
	u.file = f
	u.readOnly = false
	u.pos = unknownPos

	return nil
}

// changeCache switches per-unit caching. Disabling drops the unit's entries
// and resets its hit counters.
func (u *Unit) changeCache(on bool) error {
	if u.cacheOn == on {
		return nil
	}

	if on {
		if !u.cache.Enabled() || !u.geo.DriveType.Cacheable() {
			return ErrCacheUnavailable
		}

		u.mu.Lock()
		u.cacheOn = true
		u.mu.Unlock()

		return nil
	}

	u.cache.InvalidateUnit(u.num)

	u.mu.Lock()
	u.cacheOn = false
	u.hits, u.misses = 0, 0
	u.mu.Unlock()

	return nil
}

// shutdown fails everything still queued and releases the track buffer.
func (u *Unit) shutdown() {
	u.qmu.Lock()
	u.state = StateShuttingDown
	queued := u.queue
	u.queue = nil
	u.qmu.Unlock()

	for _, r := range queued {
		r.complete(0, ErrAborted)
	}

	u.buf = nil
	close(u.done)

	glog.V(1).Infof("trackdisk: unit %d shut down, %d requests aborted", u.num, len(queued))
}

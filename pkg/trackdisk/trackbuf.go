package trackdisk

import (
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.com/calvinalkan/trackdisk/pkg/checksum"
	"github.com/calvinalkan/trackdisk/pkg/fs"
	"github.com/calvinalkan/trackdisk/pkg/trackcache"
)

// Track buffer operations. Every method in this file runs on the unit's
// worker goroutine.

// checkAlignment rejects offsets and lengths that are not whole sectors.
func checkAlignment(offset int64, length int) error {
	if offset < 0 || offset%SectorSize != 0 {
		return fmt.Errorf("%w: offset %d", ErrBadAddress, offset)
	}

	if length < 0 || length%SectorSize != 0 {
		return fmt.Errorf("%w: length %d", ErrBadLength, length)
	}

	return nil
}

// checkRange rejects a request that extends past the end of the disk.
func (u *Unit) checkRange(offset int64, length int) error {
	if offset+int64(length) > u.geo.DiskSize() {
		return fmt.Errorf("%w: %d+%d beyond %d", ErrBadAddress, offset, length, u.geo.DiskSize())
	}

	return nil
}

// leaveTrack writes back the resident track if dirty and records its
// checksum before the buffer is reused for another track.
func (u *Unit) leaveTrack() error {
	if u.track == noTrack {
		return nil
	}

	if err := u.writeBack(false); err != nil {
		return err
	}

	u.recordTrackSum(u.track, u.sum)

	return nil
}

// loadTrack makes track t resident, writing back the previous track first.
func (u *Unit) loadTrack(t int) error {
	if u.track == t {
		return nil
	}

	if err := u.leaveTrack(); err != nil {
		return err
	}

	u.track = noTrack

	hit := false

	if u.useCache() {
		hit = u.cache.Read(u.num, t, u.buf)

		u.mu.Lock()
		if hit {
			u.hits++
		} else {
			u.misses++
		}
		u.mu.Unlock()

		if glog.V(2) {
			glog.Infof("trackdisk: unit %d track %d cache hit=%v", u.num, t, hit)
		}
	}

	if !hit {
		if err := u.readTrack(t); err != nil {
			return err
		}

		if u.useCache() {
			u.cache.Update(u.num, t, u.buf, trackcache.UpdateOrAllocate)
		}
	}

	u.track = t
	u.force = false
	u.setDirty(false)
	u.sum = checksum.Fletcher64(u.buf)
	u.recordTrackSum(t, u.sum)

	return nil
}

// readTrack fills the buffer with track t from the backing file.
func (u *Unit) readTrack(t int) error {
	off := int64(t) * int64(len(u.buf))

	if u.pos != off {
		if _, err := u.file.Seek(off, io.SeekStart); err != nil {
			u.pos = unknownPos

			return u.readFailed(t, err)
		}

		u.pos = off
	}

	if _, err := io.ReadFull(u.file, u.buf); err != nil {
		u.pos = unknownPos

		return u.readFailed(t, err)
	}

	u.pos = off + int64(len(u.buf))

	return nil
}

func (u *Unit) readFailed(t int, err error) error {
	if fs.IsMediumGone(err) {
		u.loseMedium(err)
	}

	return fmt.Errorf("%w: track %d: %w", ErrTrackIO, t, err)
}

// writeBack flushes the resident track if it is dirty. Unless force is set
// (or a full-track overwrite left u.force set), a track whose checksum still
// matches its load-time checksum is not written.
func (u *Unit) writeBack(force bool) error {
	if u.track == noTrack || !u.dirty {
		return nil
	}

	sum := checksum.Fletcher64(u.buf)

	if !force && !u.force && sum.Equal(u.sum) {
		if glog.V(2) {
			glog.Infof("trackdisk: unit %d track %d unchanged, write-back skipped", u.num, u.track)
		}

		u.setDirty(false)

		return nil
	}

	off := int64(u.track) * int64(len(u.buf))

	if u.pos != off {
		if _, err := u.file.Seek(off, io.SeekStart); err != nil {
			u.pos = unknownPos

			return u.writeFailed(err)
		}

		u.pos = off
	}

	if _, err := u.file.Write(u.buf); err != nil {
		u.pos = unknownPos

		return u.writeFailed(err)
	}

	u.pos = off + int64(len(u.buf))
	u.sum = sum
	u.force = false
	u.setDirty(false)
	u.recordTrackSum(u.track, sum)

	if u.useCache() {
		u.cache.Update(u.num, u.track, u.buf, trackcache.UpdateOnly)
	}

	if rt, _ := u.geo.rootLocation(); u.track == 0 || u.track == rt {
		u.mu.Lock()
		u.meta.refreshFromTrack(u.geo, u.track, u.buf)
		u.mu.Unlock()
	}

	return nil
}

// writeFailed maps a write-back failure and heals the unit. The buffered
// data is dropped when it can never be written.
func (u *Unit) writeFailed(err error) error {
	t := u.track

	switch {
	case fs.IsMediumGone(err):
		u.loseMedium(err)

		return fmt.Errorf("%w: track %d: %w", ErrDiskChanged, t, err)
	case fs.IsWriteProtectErr(err):
		glog.Warningf("trackdisk: unit %d became write protected: %v", u.num, err)

		u.setWriteProt(true)
		u.clearBuffer()

		return fmt.Errorf("%w: track %d: %w", ErrWriteProtected, t, err)
	default:
		return fmt.Errorf("%w: track %d: %w", ErrSeekOrWrite, t, err)
	}
}

// clearBuffer discards the resident track without writing it.
func (u *Unit) clearBuffer() {
	u.track = noTrack
	u.force = false
	u.setDirty(false)
}

// readBytes copies disk bytes starting at offset into dst, loading tracks as
// needed.
func (u *Unit) readBytes(offset int64, dst []byte) (int, error) {
	ts := int64(len(u.buf))
	done := 0

	for done < len(dst) {
		pos := offset + int64(done)
		t := int(pos / ts)

		if err := u.loadTrack(t); err != nil {
			return done, err
		}

		done += copy(dst[done:], u.buf[pos%ts:])
	}

	return done, nil
}

// writeBytes copies src into the disk starting at offset. A write covering
// a whole track skips reading that track first and forces its write-back.
func (u *Unit) writeBytes(offset int64, src []byte) (int, error) {
	ts := len(u.buf)
	done := 0

	for done < len(src) {
		pos := offset + int64(done)
		t := int(pos / int64(ts))
		in := int(pos % int64(ts))
		n := min(ts-in, len(src)-done)

		if n == ts {
			if u.track != t {
				if err := u.leaveTrack(); err != nil {
					return done, err
				}

				u.track = t
			}

			copy(u.buf, src[done:done+n])
			u.force = true
		} else {
			if err := u.loadTrack(t); err != nil {
				return done, err
			}

			copy(u.buf[in:], src[done:done+n])
		}

		u.setDirty(true)
		done += n
	}

	return done, nil
}

// formatRange writes src starting at offset, flushing every track
// immediately.
func (u *Unit) formatRange(offset int64, src []byte) (int, error) {
	if err := u.leaveTrack(); err != nil {
		return 0, err
	}

	u.clearBuffer()

	ts := len(u.buf)
	done := 0

	for done < len(src) {
		pos := offset + int64(done)
		n := min(ts-int(pos%int64(ts)), len(src)-done)

		if _, err := u.writeBytes(pos, src[done:done+n]); err != nil {
			return done, err
		}

		if err := u.writeBack(true); err != nil {
			return done, err
		}

		done += n
	}

	return done, nil
}

// seekTo moves the file position to the start of the track holding offset.
func (u *Unit) seekTo(offset int64) error {
	ts := int64(len(u.buf))
	off := offset / ts * ts

	if u.pos == off {
		return nil
	}

	if _, err := u.file.Seek(off, io.SeekStart); err != nil {
		u.pos = unknownPos

		return u.readFailed(int(offset/ts), err)
	}

	u.pos = off

	return nil
}

// prefill reads every track into the shared cache. It stops quietly at the
// first failure; prefill is an optimization only.
func (u *Unit) prefill() {
	for t := range u.geo.NumTracks() {
		if err := u.readTrack(t); err != nil {
			glog.Warningf("trackdisk: unit %d prefill stopped at track %d: %v", u.num, t, err)

			return
		}

		if !u.cache.Update(u.num, t, u.buf, trackcache.UpdateOrAllocate) {
			return
		}
	}

	glog.V(1).Infof("trackdisk: unit %d prefilled %d tracks", u.num, u.geo.NumTracks())
}

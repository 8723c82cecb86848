package trackdisk

import (
	"time"
)

// UnitStatus is a point-in-time snapshot of one unit.
type UnitStatus struct {
	Unit      int
	State     State
	DriveType DriveType

	// Active reports whether a medium is inserted.
	Active bool

	// Busy reports whether the motor is running.
	Busy bool

	Writable    bool
	Dirty       bool
	Path        string
	ChangeCount uint32

	// Checksum is the aggregate disk checksum. Valid only when
	// ChecksumValid; disk checksums may be disabled.
	Checksum      string
	ChecksumValid bool

	DOSType     string
	BootValid   bool
	VolumeName  string
	VolumeDate  time.Time
	VolumeValid bool

	CacheEnabled bool
	CacheHits    uint64
	CacheMisses  uint64
}

// HitRate returns cache hits over lookups as a fraction, or 0 without
// lookups.
func (s UnitStatus) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}

	return float64(s.CacheHits) / float64(total)
}

func (u *Unit) status() UnitStatus {
	state := u.State()

	u.mu.Lock()
	defer u.mu.Unlock()

	s := UnitStatus{
		Unit:         u.num,
		State:        state,
		DriveType:    u.geo.DriveType,
		Active:       u.present,
		Busy:         u.motor,
		Writable:     u.present && !u.writeProt,
		Dirty:        u.dirty,
		Path:         u.path,
		ChangeCount:  u.changeCount,
		CacheEnabled: u.cacheOn,
		CacheHits:    u.hits,
		CacheMisses:  u.misses,
	}

	if sum, ok := u.diskChecksumLocked(); ok {
		s.Checksum = sum.String()
		s.ChecksumValid = true
	}

	if u.present {
		s.DOSType = u.meta.DOSTypeString()
		s.BootValid = u.meta.BootValid
		s.VolumeName = u.meta.VolumeName
		s.VolumeDate = u.meta.VolumeDate
		s.VolumeValid = u.meta.VolumeValid
	}

	return s
}

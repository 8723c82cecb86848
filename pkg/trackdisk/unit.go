package trackdisk

import (
	"encoding/binary"
	"sync"

	"github.com/calvinalkan/trackdisk/pkg/checksum"
	"github.com/calvinalkan/trackdisk/pkg/fs"
	"github.com/calvinalkan/trackdisk/pkg/trackcache"
)

// State is the command-processing state of a unit's worker.
type State uint8

const (
	// StateRunning processes queued requests in order.
	StateRunning State = iota

	// StateStopped leaves queued requests untouched until resumed.
	StateStopped

	// StateShuttingDown is terminal: pending and new requests fail with
	// [ErrAborted].
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// noTrack marks an empty track buffer; unknownPos an unknown file position.
const (
	noTrack    = -1
	unknownPos = -1
)

// medium is an opened and vetted image, ready to be handed to a unit.
type medium struct {
	file      fs.File
	path      string
	size      int64
	geo       Geometry
	writeProt bool
	readOnly  bool // file handle was opened O_RDONLY
	identity  fs.Identity
	meta      Metadata
	sums      []checksum.Sum64 // per track, nil when checksums are off
	cache     bool
	prefill   bool
}

// Unit is one virtual drive.
//
// All track buffer state belongs to the unit's worker goroutine. Fields under
// mu may be read by any goroutine holding mu; except where noted the worker
// is their only writer and reads them without the lock.
type Unit struct {
	num   int
	cfg   Config
	fsys  fs.FS
	cache *trackcache.Cache

	// Worker-owned.
	file     fs.File
	readOnly bool
	buf      []byte
	track    int
	pos      int64
	sum      checksum.Sum64
	force    bool

	mu          sync.Mutex
	present     bool
	path        string
	fileSize    int64
	geo         Geometry
	identity    fs.Identity
	writeProt   bool
	motor       bool
	dirty       bool
	cacheOn     bool
	hits        uint64
	misses      uint64
	meta        Metadata
	sums        []checksum.Sum64
	changeCount uint32

	// Written by callers as well as the worker; always accessed under mu.
	motorOffPending bool
	diskSum         checksum.Sum64
	diskSumStale    bool

	// qmu guards the request queue, the worker state and the listeners.
	// Holding it blocks every producer for the unit.
	qmu          sync.Mutex
	queue        []*Request
	state        State
	listeners    []listener
	legacy       ChangeListener
	nextListener ListenerID

	wake chan struct{}
	ctl  chan *control
	done chan struct{}
}

func newUnit(num int, cfg Config, fsys fs.FS, cache *trackcache.Cache, dt DriveType) *Unit {
	geo := GeometryFor(dt)

	return &Unit{
		num:   num,
		cfg:   cfg,
		fsys:  fsys,
		cache: cache,
		buf:   make([]byte, geo.TrackSize()),
		track: noTrack,
		pos:   unknownPos,
		geo:   geo,
		wake:  make(chan struct{}, 1),
		ctl:   make(chan *control),
		done:  make(chan struct{}),
	}
}

// Num returns the unit number.
func (u *Unit) Num() int {
	return u.num
}

func (u *Unit) setDirty(v bool) {
	if u.dirty == v {
		return
	}

	u.mu.Lock()
	u.dirty = v
	u.mu.Unlock()
}

func (u *Unit) setMotor(v bool) {
	u.mu.Lock()
	u.motor = v
	u.mu.Unlock()
}

func (u *Unit) setWriteProt(v bool) {
	u.mu.Lock()
	u.writeProt = v
	u.mu.Unlock()
}

// useCache reports whether track loads consult the shared cache.
func (u *Unit) useCache() bool {
	return u.cacheOn && u.geo.DriveType.Cacheable()
}

// recordTrackSum stores sum for track t in the checksum table, if enabled.
func (u *Unit) recordTrackSum(t int, sum checksum.Sum64) {
	if u.sums == nil || t < 0 {
		return
	}

	u.mu.Lock()
	u.sums[t] = sum
	u.diskSumStale = true
	u.mu.Unlock()
}

// diskChecksumLocked returns the aggregate disk checksum, recomputing it from
// the track table when stale. Requires mu. ok is false when checksums are off
// or no medium is present.
func (u *Unit) diskChecksumLocked() (checksum.Sum64, bool) {
	if !u.present || u.sums == nil {
		return checksum.Sum64{}, false
	}

	if u.diskSumStale {
		u.diskSum = aggregateSum(u.sums, u.fileSize)
		u.diskSumStale = false
	}

	return u.diskSum, true
}

// aggregateSum folds per-track checksums and the file size (as a pseudo
// track) into one checksum, so equal content of different sizes differs.
func aggregateSum(sums []checksum.Sum64, size int64) checksum.Sum64 {
	buf := make([]byte, 0, (len(sums)+1)*8)

	for _, s := range sums {
		buf = s.AppendBinary(buf)
	}

	buf = binary.BigEndian.AppendUint64(buf, uint64(size))

	return checksum.Fletcher64(buf)
}

package trackdisk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/calvinalkan/trackdisk/pkg/checksum"
	"github.com/calvinalkan/trackdisk/pkg/fs"
	"github.com/calvinalkan/trackdisk/pkg/trackcache"
)

// AllUnits selects every started unit in [Device.QueryUnitStatus] and
// [Device.ChangeUnit].
const AllUnits = -1

// minEjectTimeout is the smallest eject timeout that retries at all.
const minEjectTimeout = time.Second

// Options configures [New].
type Options struct {
	// FS opens image files. Defaults to [fs.NewReal].
	FS fs.FS

	// Config defaults to [DefaultConfig].
	Config *Config

	// FreeMemory overrides the free-memory source of the pressure monitor.
	FreeMemory func() (uint64, error)
}

// Device owns the started units and the track cache they share.
//
// mu guards the unit list and is never held across a wait on a worker.
// insertMu serializes the duplicate check with the insert it vets.
type Device struct {
	cfg   Config
	fsys  fs.FS
	cache *trackcache.Cache

	mu     sync.Mutex
	units  []*Unit // most recently used first
	closed bool

	insertMu sync.Mutex

	stopPressure context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a device with no units. The shared cache is sized from
// Config.CacheBytes for double-density tracks.
func New(opts Options) (*Device, error) {
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	d := &Device{
		cfg:   cfg,
		fsys:  fsys,
		cache: trackcache.New(GeometryFor(DriveDD).TrackSize(), cfg.CacheBytes),
	}

	if cfg.LowMemoryBytes > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		d.stopPressure = cancel

		mon := &trackcache.PressureMonitor{
			Target:     d.cache,
			MinFree:    cfg.LowMemoryBytes,
			Interval:   cfg.PressureInterval.Std(),
			FreeMemory: opts.FreeMemory,
		}

		d.wg.Add(1)

		go func() {
			defer d.wg.Done()

			err := mon.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				glog.Warningf("trackdisk: memory pressure monitor stopped: %v", err)
			}
		}()
	}

	glog.V(1).Infof("trackdisk: device up, cache budget %d bytes", cfg.CacheBytes)

	return d, nil
}

// Config returns the configuration the device runs with.
func (d *Device) Config() Config {
	return d.cfg
}

// CacheStats returns a snapshot of the shared cache counters.
func (d *Device) CacheStats() trackcache.Stats {
	return d.cache.Stats()
}

// unit returns the started unit num and moves it to the front of the list.
func (d *Device) unit(num int) (*Unit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	for i, u := range d.units {
		if u.num == num {
			if i > 0 {
				copy(d.units[1:i+1], d.units[:i])
				d.units[0] = u
			}

			return u, nil
		}
	}

	return nil, fmt.Errorf("%w: %d", ErrUnitNotFound, num)
}

func (d *Device) snapshot() []*Unit {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.units)
}

// StartOptions configures [Device.StartUnit].
type StartOptions struct {
	// Unit is the requested unit number, ignored when Any is set.
	Unit int

	// Any picks the first empty unit, or one past the highest number.
	Any bool

	// DriveType is the initial geometry. Defaults to [DriveDD]. An inserted
	// image brings its own geometry.
	DriveType DriveType

	// CacheBytes, when larger than the current shared cache budget, grows
	// the budget to it.
	CacheBytes int64
}

// StartUnit starts a unit and returns its number. Starting a unit number that
// is already running returns it unchanged.
func (d *Device) StartUnit(opts StartOptions) (int, error) {
	dt := opts.DriveType
	if dt == 0 {
		dt = DriveDD
	}

	if dt != DriveDD && dt != DriveHD {
		return 0, fmt.Errorf("%w: drive type %d", ErrUnsupportedSize, dt)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	num := opts.Unit

	if opts.Any {
		num = 0

		for _, u := range d.units {
			if !u.isPresent() && u.State() != StateShuttingDown {
				return u.num, nil
			}

			num = max(num, u.num+1)
		}
	} else {
		for _, u := range d.units {
			if u.num == num {
				return num, nil
			}
		}
	}

	if num < 0 || num > trackcache.MaxUnit {
		return 0, fmt.Errorf("%w: %d out of range", ErrUnitNotFound, num)
	}

	if opts.CacheBytes > d.cache.Stats().BudgetBytes {
		d.cache.Resize(opts.CacheBytes)
	}

	u := newUnit(num, d.cfg, d.fsys, d.cache, dt)
	d.units = append([]*Unit{u}, d.units...)

	go u.run()

	glog.V(1).Infof("trackdisk: unit %d started (%s)", num, dt)

	return num, nil
}

// StopUnit shuts a unit down. It fails with [ErrObjectInUse] while a medium
// is inserted.
func (d *Device) StopUnit(ctx context.Context, num int) error {
	u, err := d.unit(num)
	if err != nil {
		return err
	}

	if err := u.send(ctx, &control{kind: ctlShutdown}); err != nil {
		return err
	}

	d.removeUnit(u)

	return nil
}

func (d *Device) removeUnit(u *Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i := slices.Index(d.units, u); i >= 0 {
		d.units = slices.Delete(d.units, i, i+1)
	}
}

func (u *Unit) isPresent() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.present
}

// InsertOptions configures [Device.InsertMedium].
type InsertOptions struct {
	Path string

	// WriteProtected inserts read-only. A file that cannot be opened for
	// writing is inserted write-protected regardless.
	WriteProtected bool

	// EnableCache routes this unit's track loads through the shared cache.
	EnableCache bool

	// Prefill loads every track into the cache on insert, provided the
	// cache can hold the whole disk.
	Prefill bool
}

// InsertMedium opens an image and inserts it into unit num.
//
// Fails before touching the unit with [ErrNoFileGiven], [ErrAlreadyInUse],
// [ErrUnsupportedSize], [ErrDuplicateDisk] when another unit holds the same
// file or identical content, or [ErrDuplicateVolume] when another unit holds
// a volume with the same name and creation date.
func (d *Device) InsertMedium(ctx context.Context, num int, opts InsertOptions) error {
	if opts.Path == "" {
		return ErrNoFileGiven
	}

	u, err := d.unit(num)
	if err != nil {
		return err
	}

	if u.isPresent() {
		return ErrAlreadyInUse
	}

	m, err := d.openMedium(opts)
	if err != nil {
		return err
	}

	d.insertMu.Lock()
	defer d.insertMu.Unlock()

	err = d.findDuplicate(u, m)
	if err == nil {
		err = lockMedium(m)
	}

	if err == nil {
		err = u.send(ctx, &control{kind: ctlInsert, medium: m})
	}

	if err != nil {
		// A medium lost during insert was already closed by the unit.
		closeErr := m.file.Close()
		if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			return errors.Join(err, fmt.Errorf("close %s: %w", m.path, closeErr))
		}

		return err
	}

	return nil
}

// openMedium opens and vets an image without touching any unit.
func (d *Device) openMedium(opts InsertOptions) (*medium, error) {
	m := &medium{
		path:      opts.Path,
		writeProt: opts.WriteProtected,
		readOnly:  opts.WriteProtected,
		cache:     opts.EnableCache,
		prefill:   opts.Prefill,
	}

	var (
		f   fs.File
		err error
	)

	if m.readOnly {
		f, err = d.fsys.Open(opts.Path)
	} else {
		f, err = d.fsys.OpenFile(opts.Path, os.O_RDWR, 0)
		if err != nil && fs.IsWriteProtectErr(err) {
			glog.V(1).Infof("trackdisk: %s not writable, inserting write protected", opts.Path)

			m.writeProt, m.readOnly = true, true
			f, err = d.fsys.Open(opts.Path)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}

	m.file = f

	if err := m.examine(d.cfg.DiskChecksums); err != nil {
		closeErr := f.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("close %s: %w", opts.Path, closeErr)
		}

		return nil, errors.Join(err, closeErr)
	}

	return m, nil
}

// examine sizes the image, records its identity and snapshots metadata and,
// with checksums, every track checksum.
func (m *medium) examine(withSums bool) error {
	info, err := m.file.Stat()
	if err != nil {
		return fmt.Errorf("stat image: %w", err)
	}

	dt, err := ExamineFileSize(info.Size())
	if err != nil {
		return err
	}

	m.size = info.Size()
	m.geo = GeometryFor(dt)

	m.identity, err = fs.IdentityOf(m.file)
	if err != nil {
		return err
	}

	rt, _ := m.geo.rootLocation()
	buf := make([]byte, m.geo.TrackSize())

	if withSums {
		m.sums = make([]checksum.Sum64, m.geo.NumTracks())
	}

	if _, err := m.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %w", ErrTrackIO, err)
	}

	for t := range m.geo.NumTracks() {
		if !withSums && t != 0 && t != rt {
			continue
		}

		if !withSums {
			if _, err := m.file.Seek(int64(t)*int64(len(buf)), io.SeekStart); err != nil {
				return fmt.Errorf("%w: track %d: %w", ErrTrackIO, t, err)
			}
		}

		if _, err := io.ReadFull(m.file, buf); err != nil {
			return fmt.Errorf("%w: track %d: %w", ErrTrackIO, t, err)
		}

		if withSums {
			m.sums[t] = checksum.Fletcher64(buf)
		}

		m.meta.refreshFromTrack(m.geo, t, buf)
	}

	return nil
}

// lockMedium takes the advisory image lock: exclusive for a writable handle,
// shared for a read-only one.
func lockMedium(m *medium) error {
	err := fs.TryLock(m.file, !m.readOnly)
	if errors.Is(err, fs.ErrWouldBlock) {
		return fmt.Errorf("%w: %s is locked by another process", ErrAlreadyInUse, m.path)
	}

	return err
}

// findDuplicate compares candidate medium m against the media of every other
// unit: same file, then same content, then same volume.
func (d *Device) findDuplicate(u *Unit, m *medium) error {
	var (
		sum    checksum.Sum64
		hasSum = m.sums != nil
	)

	if hasSum {
		sum = aggregateSum(m.sums, m.size)
	}

	for _, o := range d.snapshot() {
		if o == u {
			continue
		}

		o.mu.Lock()
		present := o.present
		identity := o.identity
		meta := o.meta
		osum, ok := o.diskChecksumLocked()
		o.mu.Unlock()

		if !present {
			continue
		}

		if identity == m.identity {
			return fmt.Errorf("%w: %s is the image in unit %d", ErrDuplicateDisk, m.path, o.num)
		}

		if hasSum && ok && osum.Equal(sum) {
			return fmt.Errorf("%w: %s matches the disk in unit %d", ErrDuplicateDisk, m.path, o.num)
		}

		if meta.SameVolume(m.meta) {
			return fmt.Errorf("%w: %q is mounted in unit %d", ErrDuplicateVolume, meta.VolumeName, o.num)
		}
	}

	return nil
}

// EjectMedium ejects the medium of unit num. While the unit is busy the eject
// is retried every Config.EjectRetryInterval until timeout elapses, which
// then fails with [ErrDriveInUse]. A timeout below one second makes a single
// attempt. Cancelling ctx stops the retries with [ErrBreak].
func (d *Device) EjectMedium(ctx context.Context, num int, timeout time.Duration) error {
	u, err := d.unit(num)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)

	for {
		err := u.send(ctx, &control{kind: ctlEject})
		if !errors.Is(err, ErrDriveInUse) || timeout < minEjectTimeout {
			return err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return err
		}

		timer := time.NewTimer(min(d.cfg.EjectRetryInterval.Std(), remaining))

		select {
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("%w: %w", ErrBreak, context.Cause(ctx))
		case <-timer.C:
		}
	}
}

// ChangeOptions selects what [Device.ChangeUnit] changes. Nil fields are
// left alone.
type ChangeOptions struct {
	WriteProtected *bool
	EnableCache    *bool

	// MaxCacheBytes resizes the shared cache. A budget too small for the
	// cache disables caching on every unit.
	MaxCacheBytes *int64
}

// ChangeUnit applies opts to unit num, or to every unit for [AllUnits].
// Each failure is reported as a [*FieldError] naming the option; failures
// are joined.
func (d *Device) ChangeUnit(ctx context.Context, num int, opts ChangeOptions) error {
	var units []*Unit

	if num == AllUnits {
		units = d.snapshot()
	} else {
		u, err := d.unit(num)
		if err != nil {
			return err
		}

		units = []*Unit{u}
	}

	var errs []error

	if opts.MaxCacheBytes != nil {
		d.cache.Resize(*opts.MaxCacheBytes)

		glog.V(1).Infof("trackdisk: cache budget now %d bytes", *opts.MaxCacheBytes)

		if !d.cache.Enabled() {
			for _, u := range d.snapshot() {
				if err := u.send(ctx, &control{kind: ctlCache, on: false}); err != nil {
					errs = append(errs, &FieldError{Field: "MaxCacheBytes", Err: err})
				}
			}
		}
	}

	for _, u := range units {
		if opts.WriteProtected != nil {
			err := u.send(ctx, &control{kind: ctlWriteProtect, on: *opts.WriteProtected})
			if err != nil {
				errs = append(errs, &FieldError{Field: "WriteProtected", Err: fmt.Errorf("unit %d: %w", u.num, err)})
			}
		}

		if opts.EnableCache != nil {
			err := u.send(ctx, &control{kind: ctlCache, on: *opts.EnableCache})
			if err != nil {
				errs = append(errs, &FieldError{Field: "EnableCache", Err: fmt.Errorf("unit %d: %w", u.num, err)})
			}
		}
	}

	return errors.Join(errs...)
}

// QueryUnitStatus returns the status of unit num, or of every unit ordered by
// number for [AllUnits].
func (d *Device) QueryUnitStatus(num int) ([]UnitStatus, error) {
	if num != AllUnits {
		u, err := d.unit(num)
		if err != nil {
			return nil, err
		}

		return []UnitStatus{u.status()}, nil
	}

	units := d.snapshot()
	out := make([]UnitStatus, 0, len(units))

	for _, u := range units {
		out = append(out, u.status())
	}

	slices.SortFunc(out, func(a, b UnitStatus) int { return a.Unit - b.Unit })

	return out, nil
}

// ChangeNum returns the change count of unit num.
func (d *Device) ChangeNum(num int) (uint32, error) {
	u, err := d.unit(num)
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	return u.changeCount, nil
}

// ChangeState reports whether unit num holds a medium.
func (d *Device) ChangeState(num int) (bool, error) {
	u, err := d.unit(num)
	if err != nil {
		return false, err
	}

	return u.isPresent(), nil
}

// ProtStatus reports whether unit num is write protected. Fails with
// [ErrNoMediumPresent] for an empty unit.
func (d *Device) ProtStatus(num int) (bool, error) {
	u, err := d.unit(num)
	if err != nil {
		return false, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.present {
		return false, ErrNoMediumPresent
	}

	return u.writeProt, nil
}

// GeometryOf returns the geometry of unit num: the inserted image's, or the
// start geometry when empty.
func (d *Device) GeometryOf(num int) (Geometry, error) {
	u, err := d.unit(num)
	if err != nil {
		return Geometry{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	return u.geo, nil
}

// DriveTypeOf returns the drive type of unit num.
func (d *Device) DriveTypeOf(num int) (DriveType, error) {
	g, err := d.GeometryOf(num)

	return g.DriveType, err
}

// NumTracksOf returns the track count of unit num.
func (d *Device) NumTracksOf(num int) (int, error) {
	g, err := d.GeometryOf(num)
	if err != nil {
		return 0, err
	}

	return g.NumTracks(), nil
}

// Idle asks unit num to flush and stop its motor at the next idle tick.
func (d *Device) Idle(num int) error {
	u, err := d.unit(num)
	if err != nil {
		return err
	}

	u.requestSpinDown()

	return nil
}

// Pause stops request processing on unit num. Queued requests wait.
func (d *Device) Pause(num int) error {
	u, err := d.unit(num)
	if err != nil {
		return err
	}

	u.pause()

	return nil
}

// Resume restarts request processing on unit num.
func (d *Device) Resume(num int) error {
	u, err := d.unit(num)
	if err != nil {
		return err
	}

	u.resume()

	return nil
}

// AddChangeListener registers fn for disk changes of unit num.
func (d *Device) AddChangeListener(num int, fn ChangeListener) (ListenerID, error) {
	u, err := d.unit(num)
	if err != nil {
		return 0, err
	}

	return u.addListener(fn), nil
}

// RemoveChangeListener unregisters id. Unknown ids are ignored.
func (d *Device) RemoveChangeListener(num int, id ListenerID) error {
	u, err := d.unit(num)
	if err != nil {
		return err
	}

	u.removeListener(id)

	return nil
}

// SetLegacyListener sets the single extra listener of unit num, called after
// the registered ones. Nil clears it.
func (d *Device) SetLegacyListener(num int, fn ChangeListener) error {
	u, err := d.unit(num)
	if err != nil {
		return err
	}

	u.setLegacyListener(fn)

	return nil
}

// Submit queues r on unit num without waiting. Use [Request.Wait].
func (d *Device) Submit(num int, r *Request) error {
	u, err := d.unit(num)
	if err != nil {
		return err
	}

	u.enqueue(r)

	return nil
}

// Do queues r on unit num and waits for it.
func (d *Device) Do(ctx context.Context, num int, r *Request) error {
	if err := d.Submit(num, r); err != nil {
		return err
	}

	return r.Wait(ctx)
}

// Read returns length bytes starting at offset.
func (d *Device) Read(ctx context.Context, num int, offset int64, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: length %d", ErrBadLength, length)
	}

	r := &Request{Cmd: CmdRead, Offset: offset, Data: make([]byte, length)}
	if err := d.Do(ctx, num, r); err != nil {
		return nil, err
	}

	return r.Data, nil
}

// Write writes data at offset.
func (d *Device) Write(ctx context.Context, num int, offset int64, data []byte) error {
	return d.Do(ctx, num, &Request{Cmd: CmdWrite, Offset: offset, Data: data})
}

// Format writes data at offset and flushes each track at once.
func (d *Device) Format(ctx context.Context, num int, offset int64, data []byte) error {
	return d.Do(ctx, num, &Request{Cmd: CmdFormat, Offset: offset, Data: data})
}

// Update flushes the resident track of unit num.
func (d *Device) Update(ctx context.Context, num int) error {
	return d.Do(ctx, num, &Request{Cmd: CmdUpdate})
}

// Clear discards the resident track of unit num without flushing it.
func (d *Device) Clear(ctx context.Context, num int) error {
	return d.Do(ctx, num, &Request{Cmd: CmdClear})
}

// Seek positions unit num at the track holding offset.
func (d *Device) Seek(ctx context.Context, num int, offset int64) error {
	return d.Do(ctx, num, &Request{Cmd: CmdSeek, Offset: offset})
}

// Motor switches the motor of unit num and returns its previous state.
func (d *Device) Motor(ctx context.Context, num int, on bool) (bool, error) {
	r := &Request{Cmd: CmdMotor, On: on}
	err := d.Do(ctx, num, r)

	return r.Actual == 1, err
}

// Close releases the medium of every unit, paused or not, stops the units
// and then the cache. A dirty track that cannot be flushed is discarded and
// reported. Errors are joined; the device is closed regardless.
func (d *Device) Close() error {
	ctx := context.Background()

	var errs []error

	for _, u := range d.snapshot() {
		if err := u.send(ctx, &control{kind: ctlRelease}); err != nil {
			errs = append(errs, fmt.Errorf("unit %d: %w", u.num, err))
		}

		if err := u.send(ctx, &control{kind: ctlShutdown}); err != nil && !errors.Is(err, ErrAborted) {
			errs = append(errs, fmt.Errorf("unit %d: stop: %w", u.num, err))
		}
	}

	d.mu.Lock()
	d.closed = true
	d.units = nil
	d.mu.Unlock()

	if d.stopPressure != nil {
		d.stopPressure()
	}

	d.wg.Wait()
	d.cache.Close()

	return errors.Join(errs...)
}

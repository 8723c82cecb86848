package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// Op names an operation class [Chaos] can count and fail.
type Op string

const (
	OpOpen      Op = "open"      // FS.Open and read-only FS.OpenFile
	OpOpenWrite Op = "openwrite" // FS.OpenFile with any write flag
	OpRead      Op = "read"      // File.Read and FS.ReadFile
	OpWrite     Op = "write"     // File.Write
	OpSeek      Op = "seek"      // File.Seek
	OpStat      Op = "stat"      // FS.Exists and File.Stat
	OpSync      Op = "sync"      // File.Sync
)

// ChaosConfig controls random fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables random injection. Sticky faults set with
// [Chaos.SetFault] apply regardless of the config.
type ChaosConfig struct {
	// OpenFailRate controls how often opens fail. Read-only opens return
	// EACCES, EIO or EMFILE; write opens may also return EROFS.
	OpenFailRate float64

	// ReadFailRate controls how often File.Read fails with EIO and zero bytes.
	ReadFailRate float64

	// PartialReadRate controls how often File.Read returns a short read with a
	// nil error. This is legal io.Reader behavior and checks that callers loop.
	PartialReadRate float64

	// WriteFailRate controls how often File.Write fails entirely, writing zero
	// bytes and returning EIO, ENOSPC or EROFS.
	WriteFailRate float64

	// PartialWriteRate controls how often File.Write writes a prefix and then
	// fails with EIO or ENOSPC.
	PartialWriteRate float64

	// SeekFailRate controls how often File.Seek fails with EIO.
	SeekFailRate float64

	// SyncFailRate controls how often File.Sync fails with EIO or ENOSPC.
	SyncFailRate float64

	// TraceCapacity is the max number of operations kept in the trace log.
	// Zero disables tracing.
	TraceCapacity int
}

// ChaosMode controls how [Chaos] treats random fault rates.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault-rate injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp disables random injection. Sticky faults still apply.
	ChaosModeNoOp
)

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	OpenFails     int64
	ReadFails     int64
	PartialReads  int64
	WriteFails    int64
	PartialWrites int64
	SeekFails     int64
	SyncFails     int64
	StickyFaults  int64
}

// OpCounts counts operations that reached [Chaos], injected or not.
// Tests use it as the call counter of a mock backing store.
type OpCounts struct {
	Opens        int64
	Reads        int64
	Writes       int64
	Seeks        int64
	Syncs        int64
	BytesRead    int64
	BytesWritten int64
}

// chaosError marks an error as intentionally injected by [Chaos].
//
// It wraps an [*fs.PathError] carrying a real [syscall.Errno], so errors.Is
// and helpers like os.IsPermission keep working while [IsChaosErr] can still
// tell injected failures from real ones.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string {
	return "chaos: " + e.Err.Error()
}

func (e *chaosError) Unwrap() error {
	return e.Err
}

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// Chaos wraps an [FS], counts every image operation and injects failures.
//
// Two injection sources exist:
//   - Random faults drawn from [ChaosConfig] rates while in [ChaosModeActive].
//     Random faults never produce ENOENT; missing files come from the wrapped FS.
//   - Sticky faults set with [Chaos.SetFault]. Every call of that [Op] fails
//     with the given errno until [Chaos.ClearFault]. Sticky faults may use any
//     errno, including ENOENT or ENODEV to model a vanished medium.
//
// Return shapes follow [os.File]: failed reads return n==0, failed seeks
// return pos==0, partial writes return n>0 with an error.
type Chaos struct {
	fs     FS
	rng    *rand.Rand
	config ChaosConfig
	mode   atomic.Uint32
	trace  *chaosTrace

	rngMu sync.Mutex

	faultMu sync.Mutex
	faults  map[Op]*stickyFault

	opens, reads, writes, seeks, syncs atomic.Int64
	bytesRead, bytesWritten            atomic.Int64

	openFails     atomic.Int64
	readFails     atomic.Int64
	partialReads  atomic.Int64
	writeFails    atomic.Int64
	partialWrites atomic.Int64
	seekFails     atomic.Int64
	syncFails     atomic.Int64
	stickyFaults  atomic.Int64
}

// NewChaos creates a new [Chaos] filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility. A nil config
// disables random injection.
// Panics if underlying is nil.
func NewChaos(underlying FS, seed int64, config *ChaosConfig) *Chaos {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	var cfg ChaosConfig
	if config != nil {
		cfg = *config
	}

	return &Chaos{
		fs:     underlying,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		config: cfg,
		trace:  newChaosTrace(cfg.TraceCapacity),
		faults: make(map[Op]*stickyFault),
	}
}

// SetMode switches random injection on or off. Safe for concurrent use.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// stickyFault fails an op with errno once skip calls have gone through.
type stickyFault struct {
	errno syscall.Errno
	skip  int
}

// SetFault makes every subsequent op fail with errno until cleared.
func (c *Chaos) SetFault(op Op, errno syscall.Errno) {
	c.SetFaultAfter(op, errno, 0)
}

// SetFaultAfter lets the next n calls of op through, then fails every later
// call with errno until cleared.
func (c *Chaos) SetFaultAfter(op Op, errno syscall.Errno, n int) {
	c.faultMu.Lock()
	c.faults[op] = &stickyFault{errno: errno, skip: n}
	c.faultMu.Unlock()
}

// ClearFault removes the sticky fault for op, if any.
func (c *Chaos) ClearFault(op Op) {
	c.faultMu.Lock()
	delete(c.faults, op)
	c.faultMu.Unlock()
}

// Counts returns the operation counters.
func (c *Chaos) Counts() OpCounts {
	return OpCounts{
		Opens:        c.opens.Load(),
		Reads:        c.reads.Load(),
		Writes:       c.writes.Load(),
		Seeks:        c.seeks.Load(),
		Syncs:        c.syncs.Load(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
	}
}

// ResetCounts zeroes the operation counters. Fault counters are kept.
func (c *Chaos) ResetCounts() {
	for _, n := range []*atomic.Int64{&c.opens, &c.reads, &c.writes, &c.seeks, &c.syncs, &c.bytesRead, &c.bytesWritten} {
		n.Store(0)
	}
}

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:     c.openFails.Load(),
		ReadFails:     c.readFails.Load(),
		PartialReads:  c.partialReads.Load(),
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		SeekFails:     c.seekFails.Load(),
		SyncFails:     c.syncFails.Load(),
		StickyFaults:  c.stickyFaults.Load(),
	}
}

// TotalFaults returns the total number of injected faults.
func (c *Chaos) TotalFaults() int64 {
	s := c.Stats()

	return s.OpenFails + s.ReadFails + s.PartialReads + s.WriteFails +
		s.PartialWrites + s.SeekFails + s.SyncFails + s.StickyFaults
}

// Trace returns a formatted string of recent operations.
// Returns an empty string if tracing is disabled.
func (c *Chaos) Trace() string {
	return c.trace.String()
}

// TraceEvents returns a snapshot of the trace buffer.
// Returns nil if tracing is disabled.
func (c *Chaos) TraceEvents() []TraceEvent {
	return c.trace.snapshot()
}

// Open opens a file for reading with fault injection.
func (c *Chaos) Open(path string) (File, error) {
	return c.open(path, OpOpen, func() (File, error) {
		return c.fs.Open(path)
	})
}

// OpenFile opens a file with fault injection. Any write flag selects
// [OpOpenWrite].
func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	op := OpOpen
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		op = OpOpenWrite
	}

	return c.open(path, op, func() (File, error) {
		return c.fs.OpenFile(path, flag, perm)
	})
}

// ReadFile reads a whole file with fault injection.
func (c *Chaos) ReadFile(path string) ([]byte, error) {
	c.reads.Add(1)

	if err := c.inject(OpRead, path, &c.readFails, c.config.ReadFailRate, syscall.EIO); err != nil {
		return nil, err
	}

	data, err := c.fs.ReadFile(path)
	c.bytesRead.Add(int64(len(data)))

	c.trace.add("readfile", path, boolKind(err == nil), err, false,
		TraceAttr{"n", strconv.Itoa(len(data))})

	return data, err
}

// Exists checks file existence with sticky fault injection.
func (c *Chaos) Exists(path string) (bool, error) {
	if err := c.sticky(OpStat, path); err != nil {
		return false, err
	}

	exists, err := c.fs.Exists(path)

	c.trace.add("exists", path, boolKind(err == nil), err, false,
		TraceAttr{"exists", strconv.FormatBool(exists)})

	return exists, err
}

func (c *Chaos) open(path string, op Op, openFn func() (File, error)) (File, error) {
	c.opens.Add(1)

	errnos := []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.EMFILE}
	if op == OpOpenWrite {
		errnos = append(errnos, syscall.EROFS)
	}

	if err := c.inject(op, path, &c.openFails, c.config.OpenFailRate, errnos...); err != nil {
		return nil, err
	}

	file, err := openFn()
	if err != nil {
		c.trace.add(string(op), path, "fail", err, false)

		return nil, err
	}

	c.trace.add(string(op), path, "ok", nil, false)

	return &chaosFile{f: file, chaos: c, path: path}, nil
}

// sticky returns the injected error for a sticky fault on op, or nil.
func (c *Chaos) sticky(op Op, path string) error {
	c.faultMu.Lock()

	f, ok := c.faults[op]
	if ok && f.skip > 0 {
		f.skip--
		ok = false
	}

	c.faultMu.Unlock()

	if !ok {
		return nil
	}

	errno := f.errno

	c.stickyFaults.Add(1)

	err := pathError(string(op), path, errno)

	c.trace.add(string(op), path, "sticky", err, true, TraceAttr{"errno", errno.Error()})

	return err
}

// inject checks the sticky fault for op, then draws a random fault at rate.
func (c *Chaos) inject(op Op, path string, counter *atomic.Int64, rate float64, errnos ...syscall.Errno) error {
	if err := c.sticky(op, path); err != nil {
		return err
	}

	if !c.should(rate) {
		return nil
	}

	counter.Add(1)

	errno := errnos[c.randIntn(len(errnos))]
	err := pathError(string(op), path, errno)

	c.trace.add(string(op), path, "fail", err, true, TraceAttr{"errno", errno.Error()})

	return err
}

func (c *Chaos) getMode() ChaosMode {
	v := c.mode.Load()
	if v > uint32(ChaosModeNoOp) {
		return ChaosModeActive
	}

	return ChaosMode(v)
}

// should returns true with the given probability when random injection is on.
func (c *Chaos) should(rate float64) bool {
	if rate <= 0 || c.getMode() != ChaosModeActive {
		return false
	}

	c.rngMu.Lock()
	result := c.rng.Float64()
	c.rngMu.Unlock()

	return result < rate
}

// randIntn returns a random int in [0, n) (thread-safe).
func (c *Chaos) randIntn(n int) int {
	c.rngMu.Lock()
	result := c.rng.IntN(n)
	c.rngMu.Unlock()

	return result
}

// pathError creates an injected [*fs.PathError] with the given operation,
// path and errno, marked for [IsChaosErr].
func pathError(op, path string, errno syscall.Errno) error {
	pe := &fs.PathError{Op: op, Path: path, Err: errno}

	return &chaosError{Err: pe}
}

// chaosFile wraps a [File] and injects faults on handle operations.
type chaosFile struct {
	f     File
	chaos *Chaos
	path  string
}

var _ File = (*chaosFile)(nil)

func (cf *chaosFile) Read(buf []byte) (int, error) {
	c := cf.chaos
	c.reads.Add(1)

	if err := c.inject(OpRead, cf.path, &c.readFails, c.config.ReadFailRate, syscall.EIO); err != nil {
		return 0, err
	}

	// A short read must limit the underlying read, not shrink the returned
	// count, or the file offset advances past bytes the caller never saw.
	if len(buf) > 1 && c.should(c.config.PartialReadRate) {
		c.partialReads.Add(1)
		cutoff := c.randIntn(len(buf)-1) + 1

		n, err := cf.f.Read(buf[:cutoff])
		c.bytesRead.Add(int64(n))

		c.trace.add("file.read", cf.path, "short_read", err, true,
			TraceAttr{"n", strconv.Itoa(n)},
			TraceAttr{"requested", strconv.Itoa(len(buf))})

		return n, err
	}

	n, err := cf.f.Read(buf)
	c.bytesRead.Add(int64(n))

	c.trace.add("file.read", cf.path, boolKind(err == nil || errors.Is(err, io.EOF)), err, false,
		TraceAttr{"n", strconv.Itoa(n)})

	return n, err
}

func (cf *chaosFile) Write(data []byte) (int, error) {
	c := cf.chaos
	c.writes.Add(1)

	if err := c.inject(OpWrite, cf.path, &c.writeFails, c.config.WriteFailRate,
		syscall.EIO, syscall.ENOSPC, syscall.EROFS); err != nil {
		return 0, err
	}

	if len(data) > 1 && c.should(c.config.PartialWriteRate) {
		c.partialWrites.Add(1)
		cutoff := c.randIntn(len(data)-1) + 1

		n, err := cf.f.Write(data[:cutoff])
		c.bytesWritten.Add(int64(n))

		if err == nil {
			errno := []syscall.Errno{syscall.EIO, syscall.ENOSPC}[c.randIntn(2)]
			err = pathError("write", cf.path, errno)
		}

		c.trace.add("file.write", cf.path, "partial_write", err, true,
			TraceAttr{"n", strconv.Itoa(n)},
			TraceAttr{"requested", strconv.Itoa(len(data))})

		return n, err
	}

	n, err := cf.f.Write(data)
	c.bytesWritten.Add(int64(n))

	c.trace.add("file.write", cf.path, boolKind(err == nil), err, false,
		TraceAttr{"n", strconv.Itoa(n)})

	return n, err
}

func (cf *chaosFile) Seek(offset int64, whence int) (int64, error) {
	c := cf.chaos
	c.seeks.Add(1)

	if err := c.inject(OpSeek, cf.path, &c.seekFails, c.config.SeekFailRate, syscall.EIO); err != nil {
		return 0, err
	}

	pos, err := cf.f.Seek(offset, whence)

	c.trace.add("file.seek", cf.path, boolKind(err == nil), err, false,
		TraceAttr{"offset", strconv.FormatInt(offset, 10)},
		TraceAttr{"whence", strconv.Itoa(whence)},
		TraceAttr{"pos", strconv.FormatInt(pos, 10)})

	return pos, err
}

func (cf *chaosFile) Sync() error {
	c := cf.chaos
	c.syncs.Add(1)

	if err := c.inject(OpSync, cf.path, &c.syncFails, c.config.SyncFailRate,
		syscall.EIO, syscall.ENOSPC); err != nil {
		return err
	}

	err := cf.f.Sync()

	c.trace.add("file.sync", cf.path, boolKind(err == nil), err, false)

	return err
}

func (cf *chaosFile) Stat() (os.FileInfo, error) {
	if err := cf.chaos.sticky(OpStat, cf.path); err != nil {
		return nil, err
	}

	return cf.f.Stat()
}

// Close always closes the underlying file.
func (cf *chaosFile) Close() error {
	err := cf.f.Close()

	cf.chaos.trace.add("file.close", cf.path, boolKind(err == nil), err, false)

	return err
}

func (cf *chaosFile) Name() string {
	return cf.f.Name()
}

func (cf *chaosFile) Fd() uintptr {
	return cf.f.Fd()
}

var _ FS = (*Chaos)(nil)

// TraceEvent records a single Chaos operation.
type TraceEvent struct {
	// Seq is the monotonically increasing sequence number.
	Seq uint64
	// Op is the operation name (e.g., "open", "file.write").
	Op string
	// Path is the filesystem path involved.
	Path string
	// Err is the error returned by the operation (nil for success).
	Err error
	// Injected is true if Chaos altered the operation's behavior.
	Injected bool
	// Kind is a short label: "ok", "fail", "sticky", "short_read", ...
	Kind string
	// Attrs contains additional key-value details (e.g., "n=5632").
	Attrs []TraceAttr
}

// TraceAttr is a key-value pair for trace event context.
type TraceAttr struct {
	Key   string
	Value string
}

// Attr returns the value of the named attribute, or "".
func (e TraceEvent) Attr(key string) string {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value
		}
	}

	return ""
}

func (e TraceEvent) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "#%d", e.Seq)

	if e.Injected {
		fmt.Fprintf(&sb, " [CHAOS:%s]", e.Kind)
	}

	fmt.Fprintf(&sb, " %s", e.Op)

	if e.Path != "" {
		fmt.Fprintf(&sb, " path=%q", e.Path)
	}

	for _, a := range e.Attrs {
		fmt.Fprintf(&sb, " %s=%s", a.Key, a.Value)
	}

	if !e.Injected {
		sb.WriteString(" " + e.Kind)
	}

	if e.Err != nil {
		fmt.Fprintf(&sb, " err=%v", e.Err)
	}

	return sb.String()
}

// chaosTrace is a bounded ring buffer of [TraceEvent]. A nil trace drops
// every event.
type chaosTrace struct {
	mu     sync.Mutex
	events []TraceEvent
	next   int
	full   bool
	seq    uint64
}

func newChaosTrace(capacity int) *chaosTrace {
	if capacity <= 0 {
		return nil
	}

	return &chaosTrace{events: make([]TraceEvent, 0, capacity)}
}

func (t *chaosTrace) String() string {
	lines := make([]string, 0)
	for _, e := range t.snapshot() {
		lines = append(lines, e.String())
	}

	return strings.Join(lines, "\n")
}

func (t *chaosTrace) add(op, path, kind string, err error, injected bool, attrs ...TraceAttr) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++

	event := TraceEvent{
		Seq:      t.seq,
		Op:       op,
		Path:     path,
		Err:      err,
		Injected: injected,
		Kind:     kind,
		Attrs:    attrs,
	}

	if len(t.events) < cap(t.events) {
		t.events = append(t.events, event)

		return
	}

	t.events[t.next] = event
	t.next = (t.next + 1) % len(t.events)
	t.full = true
}

func (t *chaosTrace) snapshot() []TraceEvent {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		return append([]TraceEvent(nil), t.events...)
	}

	out := make([]TraceEvent, 0, len(t.events))
	out = append(out, t.events[t.next:]...)

	return append(out, t.events[:t.next]...)
}

func boolKind(ok bool) string {
	if ok {
		return "ok"
	}

	return "fail"
}

package trackcache

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
)

// ErrPressureUnsupported is returned by [SystemFreeMemory] on platforms
// without a free-memory reading.
var ErrPressureUnsupported = errors.New("trackcache: memory pressure monitoring not supported on this platform")

// Freer is the non-blocking release hook a [PressureMonitor] drives.
// [*Cache] implements it.
type Freer interface {
	FreeMemory(want int64) int64
}

// PressureMonitor polls system free memory and asks a [Freer] to release
// enough cache to bring free memory back to MinFree.
//
// It stands in for an OS low-memory callback: the release path never blocks,
// so a busy cache simply skips one round.
type PressureMonitor struct {
	// Target receives release requests. Required.
	Target Freer

	// MinFree is the free-memory floor in bytes. Zero disables the monitor.
	MinFree uint64

	// Interval between checks. Defaults to one second.
	Interval time.Duration

	// FreeMemory reports free memory in bytes. Defaults to [SystemFreeMemory].
	FreeMemory func() (uint64, error)
}

// Run polls until ctx is done. Returns ctx.Err() on cancellation, or the
// error of the very first free-memory reading (a later failure is logged
// and retried).
func (m *PressureMonitor) Run(ctx context.Context) error {
	if m.Target == nil {
		panic("trackcache: PressureMonitor.Target is nil")
	}

	if m.MinFree == 0 {
		<-ctx.Done()

		return ctx.Err()
	}

	freeMem := m.FreeMemory
	if freeMem == nil {
		freeMem = SystemFreeMemory
	}

	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}

	if _, err := freeMem(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(freeMem)
		}
	}
}

// Check runs one check-and-release round and returns the bytes released.
func (m *PressureMonitor) Check(freeMem func() (uint64, error)) int64 {
	free, err := freeMem()
	if err != nil {
		glog.Warningf("trackcache: reading free memory: %v", err)

		return 0
	}

	if free >= m.MinFree {
		return 0
	}

	want := int64(m.MinFree - free)

	released := m.Target.FreeMemory(want)
	if released > 0 {
		glog.V(1).Infof("trackcache: low memory (%d free), released %d bytes", free, released)
	}

	return released
}

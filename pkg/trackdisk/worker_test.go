package trackdisk_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/trackdisk/pkg/fs"
	"github.com/calvinalkan/trackdisk/pkg/trackdisk"
)

func Test_Requests_Run_In_Submission_Order(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit, _, _ := h.startWithImage(t, trackdisk.InsertOptions{})
	ctx := t.Context()

	require.NoError(t, h.dev.Pause(unit))

	var reqs []*trackdisk.Request

	for i := range 8 {
		r := &trackdisk.Request{Cmd: trackdisk.CmdWrite, Offset: 0, Data: fill(512, byte(i+1))}
		require.NoError(t, h.dev.Submit(unit, r))

		reqs = append(reqs, r)
	}

	read := &trackdisk.Request{Cmd: trackdisk.CmdRead, Offset: 0, Data: make([]byte, 512)}
	require.NoError(t, h.dev.Submit(unit, read))

	select {
	case <-read.Done():
		t.Fatal("request ran while unit was paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h.dev.Resume(unit))

	for _, r := range reqs {
		require.NoError(t, r.Wait(ctx))
		assert.Equal(t, 512, r.Actual)
	}

	require.NoError(t, read.Wait(ctx))
	require.Equal(t, fill(512, 8), read.Data)
}

func Test_Abort_Removes_Queued_Request(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit, _, _ := h.startWithImage(t, trackdisk.InsertOptions{})
	ctx := t.Context()

	require.NoError(t, h.dev.Pause(unit))

	keep := &trackdisk.Request{Cmd: trackdisk.CmdWrite, Data: fill(512, 1)}
	drop := &trackdisk.Request{Cmd: trackdisk.CmdWrite, Data: fill(512, 2)}

	require.NoError(t, h.dev.Submit(unit, keep))
	require.NoError(t, h.dev.Submit(unit, drop))

	require.True(t, drop.Abort())
	require.False(t, drop.Abort(), "second abort finds nothing")
	require.ErrorIs(t, drop.Wait(ctx), trackdisk.ErrAborted)

	require.NoError(t, h.dev.Resume(unit))
	require.NoError(t, keep.Wait(ctx))
	require.False(t, keep.Abort(), "completed requests cannot be aborted")

	got, err := h.dev.Read(ctx, unit, 0, 512)
	require.NoError(t, err)
	require.Equal(t, fill(512, 1), got)
}

func Test_Wait_Aborts_Queued_Request_When_Context_Done(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit, _, _ := h.startWithImage(t, trackdisk.InsertOptions{})

	require.NoError(t, h.dev.Pause(unit))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := h.dev.Do(ctx, unit, &trackdisk.Request{Cmd: trackdisk.CmdUpdate})
	require.ErrorIs(t, err, trackdisk.ErrAborted)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, h.dev.Resume(unit))
}

func Test_StopUnit_Aborts_Queued_Requests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit := h.start(t, 3)
	ctx := t.Context()

	require.NoError(t, h.dev.Pause(unit))

	r := &trackdisk.Request{Cmd: trackdisk.CmdUpdate}
	require.NoError(t, h.dev.Submit(unit, r))

	require.NoError(t, h.dev.StopUnit(ctx, unit))
	require.ErrorIs(t, r.Wait(ctx), trackdisk.ErrAborted)

	err := h.dev.Submit(unit, &trackdisk.Request{Cmd: trackdisk.CmdUpdate})
	require.ErrorIs(t, err, trackdisk.ErrUnitNotFound)
}

func Test_Unknown_Command_Fails_Without_Killing_Worker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit, _, _ := h.startWithImage(t, trackdisk.InsertOptions{})
	ctx := t.Context()

	err := h.dev.Do(ctx, unit, &trackdisk.Request{Cmd: trackdisk.Command(200)})
	require.ErrorIs(t, err, trackdisk.ErrUnknownCommand)

	_, err = h.dev.Read(ctx, unit, 0, 512)
	require.NoError(t, err)
}

func Test_CheckChange_Fails_With_DiskChanged_When_Count_Differs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit, _, _ := h.startWithImage(t, trackdisk.InsertOptions{})
	ctx := t.Context()

	count, err := h.dev.ChangeNum(unit)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	ok := &trackdisk.Request{Cmd: trackdisk.CmdRead, Data: make([]byte, 512), CheckChange: true, ChangeCount: count}
	require.NoError(t, h.dev.Do(ctx, unit, ok))

	h.chaos.ResetCounts()

	stale := &trackdisk.Request{Cmd: trackdisk.CmdRead, Offset: 9 * trackDD, Data: make([]byte, 512), CheckChange: true, ChangeCount: count - 1}
	err = h.dev.Do(ctx, unit, stale)
	require.ErrorIs(t, err, trackdisk.ErrDiskChanged)
	require.Zero(t, h.chaos.Counts().Reads)
}

func Test_Change_Listeners_Fire_In_Registration_Order(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit := h.start(t, 0)
	ctx := t.Context()

	var (
		mu    sync.Mutex
		calls []string
	)

	record := func(name string) trackdisk.ChangeListener {
		return func(u int, count uint32) {
			mu.Lock()
			defer mu.Unlock()

			assert.Equal(t, unit, u)

			calls = append(calls, name+":"+string(rune('0'+count)))
		}
	}

	ids := make([]trackdisk.ListenerID, 0, 3)

	for _, name := range []string{"a", "b", "c"} {
		id, err := h.dev.AddChangeListener(unit, record(name))
		require.NoError(t, err)

		ids = append(ids, id)
	}

	require.NoError(t, h.dev.SetLegacyListener(unit, record("legacy")))

	path, _ := h.image(t, "disk.adf", 1)
	h.insert(t, unit, trackdisk.InsertOptions{Path: path})

	require.NoError(t, h.dev.RemoveChangeListener(unit, ids[1]))
	require.NoError(t, h.dev.RemoveChangeListener(unit, ids[1]))
	require.NoError(t, h.dev.RemoveChangeListener(unit, 12345))

	require.NoError(t, h.dev.EjectMedium(ctx, unit, 0))

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []string{
		"a:1", "b:1", "c:1", "legacy:1",
		"a:2", "c:2", "legacy:2",
	}, calls)
}

func Test_Eject_Without_Medium_Succeeds_And_Does_Not_Notify(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit := h.start(t, 0)

	require.NoError(t, h.dev.EjectMedium(t.Context(), unit, 0))

	count, err := h.dev.ChangeNum(unit)
	require.NoError(t, err)
	require.Zero(t, count)
}

func Test_ChangeUnit_Toggles_Write_Protection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit, path, _ := h.startWithImage(t, trackdisk.InsertOptions{WriteProtected: true})
	ctx := t.Context()

	off := false
	require.NoError(t, h.dev.ChangeUnit(ctx, unit, trackdisk.ChangeOptions{WriteProtected: &off}))

	prot, err := h.dev.ProtStatus(unit)
	require.NoError(t, err)
	require.False(t, prot)

	require.NoError(t, h.dev.Write(ctx, unit, 0, fill(512, 0x61)))
	require.NoError(t, h.dev.Update(ctx, unit))

	on := true
	require.NoError(t, h.dev.Write(ctx, unit, 512, fill(512, 0x62)))
	require.NoError(t, h.dev.ChangeUnit(ctx, unit, trackdisk.ChangeOptions{WriteProtected: &on}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, fill(512, 0x61), data[:512])
	require.Equal(t, fill(512, 0x62), data[512:1024], "protecting flushes first")

	err = h.dev.Write(ctx, unit, 0, fill(512, 1))
	require.ErrorIs(t, err, trackdisk.ErrWriteProtected)
}

func Test_ChangeUnit_Keeps_Shared_Lock_When_Exclusive_Lock_Is_Taken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit, path, _ := h.startWithImage(t, trackdisk.InsertOptions{WriteProtected: true})
	ctx := t.Context()

	other, err := os.Open(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = other.Close() })

	require.NoError(t, fs.TryLock(other, false))

	off := false
	err = h.dev.ChangeUnit(ctx, unit, trackdisk.ChangeOptions{WriteProtected: &off})
	require.ErrorIs(t, err, trackdisk.ErrAlreadyInUse)

	prot, err := h.dev.ProtStatus(unit)
	require.NoError(t, err)
	require.True(t, prot)

	// The unit went back to its shared lock, so an exclusive one still fails.
	require.NoError(t, fs.Unlock(other))
	require.ErrorIs(t, fs.TryLock(other, true), fs.ErrWouldBlock)
}

func Test_ChangeUnit_Reports_Failing_Field(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit := h.start(t, 0)
	ctx := t.Context()

	off := false
	on := true

	// No medium: unprotecting fails, but toggling an already-clear flag is a no-op.
	require.NoError(t, h.dev.ChangeUnit(ctx, unit, trackdisk.ChangeOptions{WriteProtected: &off}))

	err := h.dev.ChangeUnit(ctx, unit, trackdisk.ChangeOptions{WriteProtected: &on, EnableCache: &on})
	require.ErrorIs(t, err, trackdisk.ErrNoMediumPresent)
	require.ErrorIs(t, err, trackdisk.ErrCacheUnavailable)

	var fe *trackdisk.FieldError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "WriteProtected", fe.Field)

	require.Equal(t, trackdisk.CodeNoFreeStore, trackdisk.CodeOf(trackdisk.ErrCacheUnavailable))
}

func Test_ChangeUnit_Fails_With_DriveInUse_While_Motor_Runs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	unit, _, _ := h.startWithImage(t, trackdisk.InsertOptions{})
	ctx := t.Context()

	_, err := h.dev.Motor(ctx, unit, true)
	require.NoError(t, err)

	on := true
	err = h.dev.ChangeUnit(ctx, unit, trackdisk.ChangeOptions{WriteProtected: &on})
	require.ErrorIs(t, err, trackdisk.ErrDriveInUse)
}

func Test_ChangeUnit_Shrinking_Cache_Disables_Caching_On_All_Units(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *trackdisk.Config) { c.CacheBytes = mib })
	ctx := t.Context()

	u0, _, _ := h.startWithImage(t, trackdisk.InsertOptions{EnableCache: true})
	u1 := h.start(t, 1)
	other, _ := h.image(t, "other.adf", 40)
	h.insert(t, u1, trackdisk.InsertOptions{Path: other, EnableCache: true})

	_, err := h.dev.Read(ctx, u0, 0, trackDD)
	require.NoError(t, err)
	require.Positive(t, h.dev.CacheStats().AllocatedBytes)

	tiny := int64(5 * trackDD)
	require.NoError(t, h.dev.ChangeUnit(ctx, u0, trackdisk.ChangeOptions{MaxCacheBytes: &tiny}))

	all, err := h.dev.QueryUnitStatus(trackdisk.AllUnits)
	require.NoError(t, err)

	for _, st := range all {
		require.False(t, st.CacheEnabled, "unit %d", st.Unit)
	}

	stats := h.dev.CacheStats()
	require.False(t, stats.Enabled)
	require.Zero(t, stats.AllocatedBytes)

	on := true
	err = h.dev.ChangeUnit(ctx, trackdisk.AllUnits, trackdisk.ChangeOptions{EnableCache: &on})
	require.ErrorIs(t, err, trackdisk.ErrCacheUnavailable)

	big := int64(mib)
	require.NoError(t, h.dev.ChangeUnit(ctx, trackdisk.AllUnits, trackdisk.ChangeOptions{MaxCacheBytes: &big, EnableCache: &on}))

	st := h.status(t, u1)
	require.True(t, st.CacheEnabled)
}

func Test_Disabling_Unit_Cache_Drops_Its_Entries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *trackdisk.Config) { c.CacheBytes = mib })
	unit, _, _ := h.startWithImage(t, trackdisk.InsertOptions{EnableCache: true})
	ctx := t.Context()

	for tr := range 4 {
		_, err := h.dev.Read(ctx, unit, int64(tr*trackDD), 512)
		require.NoError(t, err)
	}

	require.Equal(t, 4, h.dev.CacheStats().Probationary)

	off := false
	require.NoError(t, h.dev.ChangeUnit(ctx, unit, trackdisk.ChangeOptions{EnableCache: &off}))

	stats := h.dev.CacheStats()
	require.Zero(t, stats.Probationary+stats.Protected)

	st := h.status(t, unit)
	require.False(t, st.CacheEnabled)
	require.Zero(t, st.CacheHits+st.CacheMisses)
}

func Test_Pressure_Monitor_Releases_Cache_When_Memory_Low(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := trackdisk.DefaultConfig()
	cfg.CacheBytes = mib
	cfg.LowMemoryBytes = 1 << 40
	cfg.PressureInterval = trackdisk.Duration(10 * time.Millisecond)

	var (
		mu  sync.Mutex
		low bool
	)

	freeMem := func() (uint64, error) {
		mu.Lock()
		defer mu.Unlock()

		if low {
			return 0, nil
		}

		return 1 << 41, nil
	}

	dev, err := trackdisk.New(trackdisk.Options{Config: &cfg, FreeMemory: freeMem})
	require.NoError(t, err)

	t.Cleanup(func() { _ = dev.Close() })

	h := &harness{dev: dev, dir: dir}
	unit := h.start(t, 0)
	path, _ := h.image(t, "disk.adf", 2)
	h.insert(t, unit, trackdisk.InsertOptions{Path: path, EnableCache: true, Prefill: true})

	require.Positive(t, dev.CacheStats().AllocatedBytes)

	mu.Lock()
	low = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		return dev.CacheStats().AllocatedBytes == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = dev.Read(t.Context(), unit, 0, 512)
	require.NoError(t, err)
}

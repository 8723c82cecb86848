package trackcache_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/trackdisk/pkg/trackcache"
)

const entrySize = 5632

func track(unit, n int) []byte {
	buf := make([]byte, entrySize)
	for i := range buf {
		buf[i] = byte(unit ^ n ^ i)
	}

	return buf
}

func Test_MakeKey_Round_Trips_Unit_And_Track(t *testing.T) {
	t.Parallel()

	k := trackcache.MakeKey(5, 159)

	assert.Equal(t, 5, k.Unit())
	assert.Equal(t, 159, k.Track())
	assert.Equal(t, uint32(5<<9|159<<1), uint32(k))
}

func Test_Cache_Read_Returns_Updated_Data_When_Not_Evicted(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 1<<20)
	out := make([]byte, entrySize)

	for n := range 160 {
		require.True(t, c.Update(0, n, track(0, n), trackcache.UpdateOrAllocate))
		require.True(t, c.Read(0, n, out), "track %d", n)
		require.True(t, bytes.Equal(track(0, n), out), "track %d", n)
	}
}

func Test_Cache_Read_Returns_False_When_Size_Mismatch(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 1<<20)
	require.True(t, c.Update(0, 0, track(0, 0), trackcache.UpdateOrAllocate))

	assert.False(t, c.Read(0, 0, make([]byte, entrySize*2)))
	assert.False(t, c.Update(0, 1, make([]byte, 512), trackcache.UpdateOrAllocate))
	assert.Equal(t, uint64(0), c.Stats().Misses, "size mismatch is not a lookup")
}

func Test_Cache_Update_Does_Not_Allocate_When_UpdateOnly(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 1<<20)

	assert.False(t, c.Update(0, 4, track(0, 4), trackcache.UpdateOnly))
	assert.Equal(t, int64(0), c.Stats().AllocatedBytes)

	require.True(t, c.Update(0, 4, track(0, 4), trackcache.UpdateOrAllocate))

	changed := track(1, 4)
	require.True(t, c.Update(0, 4, changed, trackcache.UpdateOnly))

	out := make([]byte, entrySize)
	require.True(t, c.Read(0, 4, out))
	assert.Equal(t, changed, out)
}

func Test_Cache_Promotes_Entry_When_Read_From_Probationary(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 12*entrySize)
	out := make([]byte, entrySize)

	require.True(t, c.Update(0, 1, track(0, 1), trackcache.UpdateOrAllocate))

	st := c.Stats()
	assert.Equal(t, 0, st.Protected)
	assert.Equal(t, 1, st.Probationary)

	require.True(t, c.Read(0, 1, out))

	st = c.Stats()
	assert.Equal(t, 1, st.Protected)
	assert.Equal(t, 0, st.Probationary)
}

func Test_Cache_Keeps_Reused_Tracks_When_Scan_Floods_Cache(t *testing.T) {
	t.Parallel()

	// 12 entries: protected cap 8.
	c := trackcache.New(entrySize, 12*entrySize)
	out := make([]byte, entrySize)

	for n := range 4 {
		require.True(t, c.Update(0, n, track(0, n), trackcache.UpdateOrAllocate))
		require.True(t, c.Read(0, n, out))
	}

	// One-time scan over many more tracks than the cache holds.
	for n := 10; n < 100; n++ {
		require.True(t, c.Update(0, n, track(0, n), trackcache.UpdateOrAllocate))
	}

	for n := range 4 {
		assert.True(t, c.Read(0, n, out), "hot track %d evicted by scan", n)
	}

	assert.False(t, c.Read(0, 10, out), "first scanned track survived")
}

func Test_Cache_Demotes_Oldest_Protected_When_Cap_Exceeded(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 12*entrySize)
	out := make([]byte, entrySize)

	for n := range 9 {
		require.True(t, c.Update(0, n, track(0, n), trackcache.UpdateOrAllocate))
		require.True(t, c.Read(0, n, out))
	}

	st := c.Stats()
	assert.Equal(t, 8, st.ProtectedCap)
	assert.Equal(t, 8, st.Protected)
	assert.Equal(t, 1, st.Probationary)

	// Track 0 was demoted; reading it again promotes it back and demotes 1.
	require.True(t, c.Read(0, 0, out))
	assert.Equal(t, 8, c.Stats().Protected)
}

func Test_Cache_InvalidateUnit_Leaves_Other_Units_Intact(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 64*entrySize)
	out := make([]byte, entrySize)

	for n := range 10 {
		require.True(t, c.Update(1, n, track(1, n), trackcache.UpdateOrAllocate))
		require.True(t, c.Update(2, n, track(2, n), trackcache.UpdateOrAllocate))
	}

	c.InvalidateUnit(1)

	for n := range 10 {
		assert.False(t, c.Read(1, n, out), "unit 1 track %d", n)
		require.True(t, c.Read(2, n, out), "unit 2 track %d", n)
		assert.Equal(t, track(2, n), out)
	}

	st := c.Stats()
	assert.Equal(t, 10, st.Spare)
	assert.Equal(t, int64(20*entrySize), st.AllocatedBytes, "invalidation keeps payloads as spares")
}

func Test_Cache_InvalidateKey_Moves_Entry_To_Spare(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 64*entrySize)
	require.True(t, c.Update(3, 7, track(3, 7), trackcache.UpdateOrAllocate))

	c.InvalidateKey(trackcache.MakeKey(3, 7))
	c.InvalidateKey(trackcache.MakeKey(3, 8))

	st := c.Stats()
	assert.Equal(t, 1, st.Spare)
	assert.False(t, c.Read(3, 7, make([]byte, entrySize)))

	// The spare is reused before anything new is allocated.
	require.True(t, c.Update(4, 0, track(4, 0), trackcache.UpdateOrAllocate))
	st = c.Stats()
	assert.Equal(t, 0, st.Spare)
	assert.Equal(t, int64(entrySize), st.AllocatedBytes)
}

func Test_Cache_Resize_Enforces_Budget(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 100*entrySize)

	for n := range 100 {
		require.True(t, c.Update(0, n, track(0, n), trackcache.UpdateOrAllocate))
	}

	for _, budget := range []int64{60 * entrySize, 30 * entrySize, 12 * entrySize} {
		c.Resize(budget)

		st := c.Stats()
		require.True(t, st.Enabled)
		assert.LessOrEqual(t, st.AllocatedBytes, budget)
		assert.LessOrEqual(t, st.Protected, st.ProtectedCap)
	}
}

func Test_Cache_Resize_Disables_Cache_When_Protected_Cap_Below_Eight(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 64*entrySize)
	require.True(t, c.Update(0, 0, track(0, 0), trackcache.UpdateOrAllocate))

	// 11 entries: cap 7.
	c.Resize(11 * entrySize)

	st := c.Stats()
	assert.False(t, st.Enabled)
	assert.Equal(t, int64(0), st.AllocatedBytes)
	assert.False(t, c.Update(0, 0, track(0, 0), trackcache.UpdateOrAllocate))
	assert.False(t, c.Read(0, 0, make([]byte, entrySize)))

	c.Resize(12 * entrySize)
	assert.True(t, c.Enabled())
}

func Test_Cache_Resize_Rounds_To_Nearest_Whole_Entry(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 20*entrySize+entrySize/2)
	assert.Equal(t, 21, c.Stats().MaxEntries)

	c.Resize(20*entrySize + entrySize/2 - 4)
	assert.Equal(t, 20, c.Stats().MaxEntries)
	assert.Equal(t, int64(20*entrySize), c.Capacity())
}

func Test_Cache_Recycles_Probationary_LRU_When_Budget_Full(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 12*entrySize)
	out := make([]byte, entrySize)

	for n := range 12 {
		require.True(t, c.Update(0, n, track(0, n), trackcache.UpdateOrAllocate))
	}

	require.True(t, c.Update(0, 50, track(0, 50), trackcache.UpdateOrAllocate))

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Evictions)
	assert.Equal(t, int64(12*entrySize), st.AllocatedBytes)
	assert.False(t, c.Read(0, 0, out), "oldest probationary entry should be recycled")
	assert.True(t, c.Read(0, 50, out))
}

func Test_Cache_FreeMemory_Releases_Requested_Bytes(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 32*entrySize)

	for n := range 20 {
		require.True(t, c.Update(0, n, track(0, n), trackcache.UpdateOrAllocate))
	}

	freed := c.FreeMemory(3*entrySize + 1)
	assert.Equal(t, int64(4*entrySize), freed)
	assert.Equal(t, int64(16*entrySize), c.Stats().AllocatedBytes)

	freed = c.FreeMemory(1 << 30)
	assert.Equal(t, int64(16*entrySize), freed)
	assert.Equal(t, int64(0), c.Stats().AllocatedBytes)

	// Budget is unchanged; the cache refills on demand.
	assert.True(t, c.Enabled())
	require.True(t, c.Update(0, 0, track(0, 0), trackcache.UpdateOrAllocate))
}

func Test_Cache_Close_Disables_Cache(t *testing.T) {
	t.Parallel()

	c := trackcache.New(entrySize, 32*entrySize)
	require.True(t, c.Update(0, 0, track(0, 0), trackcache.UpdateOrAllocate))

	c.Close()

	assert.False(t, c.Enabled())
	assert.Equal(t, int64(0), c.Stats().AllocatedBytes)
}

type recordingFreer struct {
	wants []int64
}

func (r *recordingFreer) FreeMemory(want int64) int64 {
	r.wants = append(r.wants, want)

	return want
}

func Test_PressureMonitor_Requests_Shortfall_When_Free_Memory_Low(t *testing.T) {
	t.Parallel()

	var target recordingFreer

	m := trackcache.PressureMonitor{Target: &target, MinFree: 1000}

	assert.Equal(t, int64(0), m.Check(func() (uint64, error) { return 5000, nil }))
	assert.Equal(t, int64(400), m.Check(func() (uint64, error) { return 600, nil }))
	assert.Equal(t, []int64{400}, target.wants)
}

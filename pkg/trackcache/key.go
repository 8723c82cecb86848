package trackcache

import "fmt"

// Key is the composite cache key of a (unit, track) pair.
//
// Layout, low bit first: one spare bit, [TrackBits] bits of track number, then
// the unit number in the remaining high bits.
type Key uint32

const (
	// TrackBits is the width of the track field in a [Key].
	TrackBits = 8

	unitShift = TrackBits + 1
	trackMask = 1<<TrackBits - 1

	// MaxUnit is the largest unit number representable in a [Key].
	MaxUnit = 1<<(32-unitShift) - 1
)

// MakeKey packs unit and track into a [Key].
// Panics if either is out of range; callers validate both long before they
// reach the cache.
func MakeKey(unit, track int) Key {
	if unit < 0 || unit > MaxUnit || track < 0 || track > trackMask {
		panic(fmt.Sprintf("trackcache: key out of range (unit=%d track=%d)", unit, track))
	}

	return Key(uint32(unit)<<unitShift | uint32(track)<<1)
}

// Unit returns the unit number encoded in k.
func (k Key) Unit() int {
	return int(k >> unitShift)
}

// Track returns the track number encoded in k.
func (k Key) Track() int {
	return int(k>>1) & trackMask
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Unit(), k.Track())
}

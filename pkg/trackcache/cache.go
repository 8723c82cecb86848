package trackcache

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/calvinalkan/trackdisk/pkg/checksum"
)

// Mode selects how [Cache.Update] treats a key that is not cached yet.
type Mode uint8

const (
	// UpdateOrAllocate stores data, obtaining a new entry when the key is absent.
	UpdateOrAllocate Mode = iota

	// UpdateOnly refreshes an existing entry and never grows the cache.
	UpdateOnly
)

// minProtectedEntries is the smallest useful protected segment. A budget
// that yields fewer protected slots disables the cache.
const minProtectedEntries = 8

// Stats is a point-in-time view of a [Cache].
type Stats struct {
	Enabled        bool
	EntrySize      int
	BudgetBytes    int64
	AllocatedBytes int64
	MaxEntries     int
	ProtectedCap   int
	Protected      int
	Probationary   int
	Spare          int
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	CorruptDrops   uint64
}

// Cache is a segmented LRU cache of fixed-size track payloads shared by every
// unit.
//
// New entries start in the probationary segment. A hit on a probationary entry
// promotes it to the protected segment, which is capped at roughly two thirds
// of the entry budget; protected overflow is demoted, least recently used
// first, to the head of the probationary segment. One-time scans therefore
// never push re-referenced tracks out of the cache.
//
// Every payload carries a Fletcher-64 checksum that is verified on each read.
// A mismatching entry is dropped and the read reports a miss.
//
// All methods are safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	entrySize    int
	budget       int64
	maxEntries   int
	protectedCap int
	enabled      bool

	es        []entry
	freeSlots []int32
	allocated int

	protected    splayCache
	probationary splayCache
	spare        lruList
	units        map[int32]*unitList

	hits, misses, evictions, corrupt uint64
}

// New returns a cache for payloads of exactly entrySize bytes with the given
// byte budget. See [Cache.Resize] for how the budget is interpreted; a budget
// too small for a useful protected segment yields a disabled cache.
// Panics if entrySize is not a positive multiple of 4.
func New(entrySize int, budget int64) *Cache {
	if entrySize <= 0 || entrySize%checksum.WordSize != 0 {
		panic(fmt.Sprintf("trackcache: invalid entry size %d", entrySize))
	}

	c := &Cache{
		entrySize:    entrySize,
		protected:    newSplayCache(),
		probationary: newSplayCache(),
		spare:        newLRUList(),
		units:        make(map[int32]*unitList),
	}

	c.Resize(budget)

	return c
}

// EntrySize returns the payload size every entry holds.
func (c *Cache) EntrySize() int {
	return c.entrySize
}

// Enabled reports whether the cache currently accepts entries.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.enabled
}

// Capacity returns the effective byte budget: the entry budget times the
// entry size. Zero when disabled.
func (c *Cache) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return int64(c.maxEntries) * int64(c.entrySize)
}

// Read copies the cached payload for (unit, track) into out and reports
// whether a valid entry was found.
//
// A probationary hit is promoted to the protected segment. Returns false
// without touching the cache when len(out) differs from the entry size.
func (c *Cache) Read(unit, track int, out []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || len(out) != c.entrySize {
		return false
	}

	key := MakeKey(unit, track)

	i := c.protected.findAndSplay(c.es, key)
	if i != nilIndex {
		c.protected.touch(c.es, i)
	} else {
		i = c.probationary.findAndSplay(c.es, key)
		if i == nilIndex {
			c.misses++

			return false
		}

		c.probationary.remove(c.es, key)
		c.es[i].loc = locProtected

		if !c.protected.insert(c.es, i) {
			panic(fmt.Sprintf("trackcache: key %v present in both segments", key))
		}

		c.enforceProtectedCap()
	}

	e := &c.es[i]
	if !checksum.Fletcher64(e.data).Equal(e.sum) {
		glog.V(1).Infof("trackcache: dropping corrupt entry %v", key)

		c.corrupt++
		c.misses++
		c.invalidateIndex(i)

		return false
	}

	copy(out, e.data)
	c.hits++

	return true
}

// Update stores data as the payload of (unit, track).
//
// An existing entry in either segment is overwritten in place. When the key is
// absent and mode is [UpdateOrAllocate], an entry is taken from the spare
// list, freshly allocated while under budget, or recycled from the least
// recently used probationary entry (then protected, as a last resort). A new
// entry starts in the probationary segment.
//
// Reports whether data was stored. Returns false when the cache is disabled,
// len(data) differs from the entry size, or mode forbids allocation.
func (c *Cache) Update(unit, track int, data []byte, mode Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || len(data) != c.entrySize {
		return false
	}

	key := MakeKey(unit, track)

	i := c.protected.find(c.es, key)
	if i == nilIndex {
		i = c.probationary.find(c.es, key)
	}

	if i == nilIndex {
		if mode == UpdateOnly {
			return false
		}

		i = c.obtain()
		if i == nilIndex {
			return false
		}

		e := &c.es[i]
		e.key = key
		e.unit = int32(unit)
		e.loc = locProbationary

		if !c.probationary.insert(c.es, i) {
			panic(fmt.Sprintf("trackcache: duplicate key %v on insert", key))
		}

		c.linkUnit(i)
	}

	e := &c.es[i]
	copy(e.data, data)
	e.sum = checksum.Fletcher64(e.data)

	return true
}

// InvalidateKey drops the entry for key, if any, returning it to the spare
// list.
func (c *Cache) InvalidateKey(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.protected.find(c.es, key)
	if i == nilIndex {
		i = c.probationary.find(c.es, key)
	}

	if i != nilIndex {
		c.invalidateIndex(i)
	}
}

// InvalidateUnit drops every entry owned by unit. Cost is proportional to the
// number of entries the unit owns.
func (c *Cache) InvalidateUnit(unit int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ul := c.units[int32(unit)]
	if ul == nil {
		return
	}

	for ul.head != nilIndex {
		c.invalidateIndex(ul.head)
	}
}

// Resize sets a new byte budget.
//
// The budget is converted to whole entries, rounding down unless the remainder
// is at least half an entry. The protected cap becomes two thirds of the entry
// count. If that cap is below 8 the cache is disabled and all memory released.
// Otherwise memory above the new budget is freed: spare entries first, then
// least recently used probationary entries, then protected ones.
func (c *Cache) Resize(budget int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if budget < 0 {
		budget = 0
	}

	size := int64(c.entrySize)
	entries := budget / size

	if rem := budget % size; rem*2 >= size {
		entries++
	}

	c.budget = budget
	protectedCap := int(entries * 2 / 3)

	if protectedCap < minProtectedEntries {
		if c.enabled {
			glog.V(1).Infof("trackcache: budget %d too small, disabling", budget)
		}

		c.releaseAll()
		c.enabled = false
		c.maxEntries = 0
		c.protectedCap = 0

		return
	}

	c.enabled = true
	c.maxEntries = int(entries)
	c.protectedCap = protectedCap

	for c.allocated > c.maxEntries {
		if !c.freeOne() {
			break
		}
	}

	c.enforceProtectedCap()

	glog.V(1).Infof("trackcache: resized to %d entries (%d protected)", c.maxEntries, c.protectedCap)
}

// FreeMemory releases at least want bytes of cached payload if it can, or
// everything when want is at least the allocated total. It never blocks: if
// another goroutine holds the cache it returns 0 immediately. Returns the
// number of bytes released.
//
// Released entries may be allocated again later; the budget is unchanged.
func (c *Cache) FreeMemory(want int64) int64 {
	if !c.mu.TryLock() {
		return 0
	}
	defer c.mu.Unlock()

	have := int64(c.allocated) * int64(c.entrySize)
	if have == 0 || want <= 0 {
		return 0
	}

	if want >= have {
		c.releaseAll()

		return have
	}

	var freed int64

	for freed < want && c.freeOne() {
		freed += int64(c.entrySize)
	}

	return freed
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Enabled:        c.enabled,
		EntrySize:      c.entrySize,
		BudgetBytes:    c.budget,
		AllocatedBytes: int64(c.allocated) * int64(c.entrySize),
		MaxEntries:     c.maxEntries,
		ProtectedCap:   c.protectedCap,
		Protected:      c.protected.Len(),
		Probationary:   c.probationary.Len(),
		Spare:          c.spare.n,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		CorruptDrops:   c.corrupt,
	}
}

// Close releases all memory and disables the cache.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseAll()
	c.enabled = false
	c.maxEntries = 0
	c.protectedCap = 0
}

// --- internals (c.mu held) ---

// obtain returns an unkeyed entry with a payload, or nilIndex.
func (c *Cache) obtain() int32 {
	if i := c.spare.popFront(c.es); i != nilIndex {
		return i
	}

	if c.allocated < c.maxEntries {
		return c.allocEntry()
	}

	i := c.probationary.popLRU(c.es)
	if i == nilIndex {
		i = c.protected.popLRU(c.es)
	}

	if i != nilIndex {
		c.unlinkUnit(i)
		c.evictions++
	}

	return i
}

func (c *Cache) allocEntry() int32 {
	var i int32

	if n := len(c.freeSlots); n > 0 {
		i = c.freeSlots[n-1]
		c.freeSlots = c.freeSlots[:n-1]
	} else {
		c.es = append(c.es, entry{})
		i = int32(len(c.es) - 1)
	}

	e := &c.es[i]
	*e = entry{data: make([]byte, c.entrySize), loc: locSpare}
	e.resetLinks()
	c.allocated++

	return i
}

// freeOne releases one payload: a spare, else the LRU probationary entry, else
// the LRU protected entry. Reports whether anything was freed.
func (c *Cache) freeOne() bool {
	i := c.spare.popFront(c.es)

	if i == nilIndex {
		i = c.probationary.popLRU(c.es)
		if i == nilIndex {
			i = c.protected.popLRU(c.es)
		}

		if i == nilIndex {
			return false
		}

		c.unlinkUnit(i)
		c.evictions++
	}

	c.freeEntry(i)

	return true
}

// freeEntry drops the payload of an already unlinked entry.
func (c *Cache) freeEntry(i int32) {
	e := &c.es[i]
	*e = entry{loc: locFree}
	e.resetLinks()

	c.freeSlots = append(c.freeSlots, i)
	c.allocated--
}

// invalidateIndex moves a keyed entry to the spare list.
func (c *Cache) invalidateIndex(i int32) {
	e := &c.es[i]

	switch e.loc {
	case locProtected:
		c.protected.remove(c.es, e.key)
	case locProbationary:
		c.probationary.remove(c.es, e.key)
	default:
		return
	}

	c.unlinkUnit(i)

	e = &c.es[i]
	e.loc = locSpare
	c.spare.pushFront(c.es, i)
}

// enforceProtectedCap demotes LRU protected entries to the probationary head.
func (c *Cache) enforceProtectedCap() {
	for c.protected.Len() > c.protectedCap {
		i := c.protected.popLRU(c.es)
		if i == nilIndex {
			return
		}

		c.es[i].loc = locProbationary

		if !c.probationary.insert(c.es, i) {
			panic(fmt.Sprintf("trackcache: key %v present in both segments", c.es[i].key))
		}
	}
}

func (c *Cache) linkUnit(i int32) {
	unit := c.es[i].unit

	ul := c.units[unit]
	if ul == nil {
		ul = &unitList{head: nilIndex}
		c.units[unit] = ul
	}

	ul.push(c.es, i)
}

func (c *Cache) unlinkUnit(i int32) {
	unit := c.es[i].unit

	ul := c.units[unit]
	if ul == nil {
		return
	}

	ul.remove(c.es, i)

	if ul.n == 0 {
		delete(c.units, unit)
	}
}

func (c *Cache) releaseAll() {
	c.es = nil
	c.freeSlots = nil
	c.allocated = 0
	c.protected = newSplayCache()
	c.probationary = newSplayCache()
	c.spare = newLRUList()
	clear(c.units)
}

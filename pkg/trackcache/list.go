package trackcache

import "github.com/calvinalkan/trackdisk/pkg/checksum"

// nilIndex marks the absence of an entry in every link field.
const nilIndex int32 = -1

// location records which structure currently owns an entry.
type location uint8

const (
	locFree         location = iota // arena slot without payload
	locProtected                    // protected segment tree + LRU list
	locProbationary                 // probationary segment tree + LRU list
	locSpare                        // payload allocated, not keyed
)

// entry is one arena slot.
//
// An entry is threaded through up to three structures at once using index
// links: a segment's splay tree (left/right), a segment's LRU list or the
// spare list (prev/next), and its owning unit's list (unitPrev/unitNext).
type entry struct {
	key  Key
	unit int32
	data []byte
	sum  checksum.Sum64
	loc  location

	left, right        int32
	prev, next         int32
	unitPrev, unitNext int32
}

func (e *entry) resetLinks() {
	e.left, e.right = nilIndex, nilIndex
	e.prev, e.next = nilIndex, nilIndex
	e.unitPrev, e.unitNext = nilIndex, nilIndex
}

// lruList is an index-based doubly-linked list over entry.prev/entry.next.
// head is the most recently used entry, tail the least recently used.
type lruList struct {
	head, tail int32
	n          int
}

func newLRUList() lruList {
	return lruList{head: nilIndex, tail: nilIndex}
}

func (l *lruList) pushFront(es []entry, i int32) {
	e := &es[i]
	e.prev = nilIndex
	e.next = l.head

	if l.head != nilIndex {
		es[l.head].prev = i
	}

	l.head = i

	if l.tail == nilIndex {
		l.tail = i
	}

	l.n++
}

func (l *lruList) remove(es []entry, i int32) {
	e := &es[i]

	if e.prev != nilIndex {
		es[e.prev].next = e.next
	} else {
		l.head = e.next
	}

	if e.next != nilIndex {
		es[e.next].prev = e.prev
	} else {
		l.tail = e.prev
	}

	e.prev, e.next = nilIndex, nilIndex
	l.n--
}

func (l *lruList) moveToFront(es []entry, i int32) {
	if l.head == i {
		return
	}

	l.remove(es, i)
	l.pushFront(es, i)
}

// popFront removes and returns the head, or nilIndex when empty.
func (l *lruList) popFront(es []entry) int32 {
	i := l.head
	if i != nilIndex {
		l.remove(es, i)
	}

	return i
}

// unitList is an index-based doubly-linked list over entry.unitPrev/unitNext,
// holding every keyed entry that belongs to one unit.
type unitList struct {
	head int32
	n    int
}

func (l *unitList) push(es []entry, i int32) {
	e := &es[i]
	e.unitPrev = nilIndex
	e.unitNext = l.head

	if l.head != nilIndex {
		es[l.head].unitPrev = i
	}

	l.head = i
	l.n++
}

func (l *unitList) remove(es []entry, i int32) {
	e := &es[i]

	if e.unitPrev != nilIndex {
		es[e.unitPrev].unitNext = e.unitNext
	} else {
		l.head = e.unitNext
	}

	if e.unitNext != nilIndex {
		es[e.unitNext].unitPrev = e.unitPrev
	}

	e.unitPrev, e.unitNext = nilIndex, nilIndex
	l.n--
}

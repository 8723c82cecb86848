package trackcache

import (
	"testing"
)

// checkSegment walks tree and LRU list of s and returns the keys it holds.
func checkSegment(t *testing.T, name string, es []entry, s *splayCache, want location) map[Key]int32 {
	t.Helper()

	inTree := make(map[Key]int32)

	var (
		prev     Key
		havePrev bool
		walk     func(i int32)
	)

	walk = func(i int32) {
		if i == nilIndex {
			return
		}

		walk(es[i].left)

		if havePrev && es[i].key <= prev {
			t.Fatalf("%s: tree not ordered: %v after %v", name, es[i].key, prev)
		}

		prev, havePrev = es[i].key, true
		inTree[es[i].key] = i

		walk(es[i].right)
	}

	walk(s.root)

	n := 0
	last := nilIndex

	for i := s.lru.head; i != nilIndex; i = es[i].next {
		if es[i].prev != last {
			t.Fatalf("%s: broken prev link at %d", name, i)
		}

		if es[i].loc != want {
			t.Fatalf("%s: entry %v has location %d, want %d", name, es[i].key, es[i].loc, want)
		}

		if got, ok := inTree[es[i].key]; !ok || got != i {
			t.Fatalf("%s: list entry %v missing from tree", name, es[i].key)
		}

		last = i
		n++
	}

	if last != s.lru.tail {
		t.Fatalf("%s: tail=%d, walked to %d", name, s.lru.tail, last)
	}

	if n != s.lru.n || n != len(inTree) {
		t.Fatalf("%s: list n=%d walked=%d tree=%d", name, s.lru.n, n, len(inTree))
	}

	return inTree
}

// checkInvariants verifies every structural invariant of c.
func checkInvariants(t *testing.T, c *Cache) {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	prot := checkSegment(t, "protected", c.es, &c.protected, locProtected)
	prob := checkSegment(t, "probationary", c.es, &c.probationary, locProbationary)

	for k := range prot {
		if _, ok := prob[k]; ok {
			t.Fatalf("key %v in both segments", k)
		}
	}

	spare := 0
	for i := c.spare.head; i != nilIndex; i = c.es[i].next {
		if c.es[i].loc != locSpare {
			t.Fatalf("spare entry %d has location %d", i, c.es[i].loc)
		}

		spare++
	}

	if spare != c.spare.n {
		t.Fatalf("spare list n=%d walked=%d", c.spare.n, spare)
	}

	if got := len(prot) + len(prob) + spare; got != c.allocated {
		t.Fatalf("allocated=%d, segments+spare=%d", c.allocated, got)
	}

	if c.allocated > c.maxEntries {
		t.Fatalf("allocated=%d exceeds max entries %d", c.allocated, c.maxEntries)
	}

	if c.protected.Len() > c.protectedCap {
		t.Fatalf("protected=%d exceeds cap %d", c.protected.Len(), c.protectedCap)
	}

	owned := 0

	for unit, ul := range c.units {
		n := 0

		for i := ul.head; i != nilIndex; i = c.es[i].unitNext {
			e := c.es[i]
			if e.unit != unit || e.key.Unit() != int(unit) {
				t.Fatalf("unit %d list holds entry %v", unit, e.key)
			}

			if e.loc != locProtected && e.loc != locProbationary {
				t.Fatalf("unit %d list holds unkeyed entry %d", unit, i)
			}

			n++
		}

		if n != ul.n || n == 0 {
			t.Fatalf("unit %d list n=%d walked=%d", unit, ul.n, n)
		}

		owned += n
	}

	if owned != len(prot)+len(prob) {
		t.Fatalf("unit lists own %d entries, segments hold %d", owned, len(prot)+len(prob))
	}
}

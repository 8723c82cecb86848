package trackcache

// splayCache maps keys to arena entries using a top-down splay tree
// (Sleator & Tarjan) and keeps the same entries on an LRU list.
//
// Tree position is only an access-locality hint; recency for eviction lives
// in the list. Both structures are index based over the cache arena, so the
// arena slice is passed to every call (it may have been reallocated since the
// previous one).
type splayCache struct {
	root int32
	lru  lruList
}

func newSplayCache() splayCache {
	return splayCache{root: nilIndex, lru: newLRUList()}
}

// Len returns the number of entries in the segment.
func (s *splayCache) Len() int {
	return s.lru.n
}

// insert adds entry i keyed by es[i].key, makes it the tree root and the LRU
// head. Returns false without linking i when the key is already present.
func (s *splayCache) insert(es []entry, i int32) bool {
	key := es[i].key
	es[i].left, es[i].right = nilIndex, nilIndex

	if s.root != nilIndex {
		t := splay(es, s.root, key)
		s.root = t

		if es[t].key == key {
			return false
		}

		if key < es[t].key {
			es[i].left = es[t].left
			es[i].right = t
			es[t].left = nilIndex
		} else {
			es[i].right = es[t].right
			es[i].left = t
			es[t].right = nilIndex
		}
	}

	s.root = i
	s.lru.pushFront(es, i)

	return true
}

// find looks key up by plain binary descent without changing the tree.
func (s *splayCache) find(es []entry, key Key) int32 {
	t := s.root

	for t != nilIndex {
		switch {
		case key < es[t].key:
			t = es[t].left
		case key > es[t].key:
			t = es[t].right
		default:
			return t
		}
	}

	return nilIndex
}

// findAndSplay looks key up and, when present, leaves it at the tree root.
func (s *splayCache) findAndSplay(es []entry, key Key) int32 {
	if s.root == nilIndex {
		return nilIndex
	}

	s.root = splay(es, s.root, key)
	if es[s.root].key != key {
		return nilIndex
	}

	return s.root
}

// remove unlinks key from tree and list and returns its entry, or nilIndex.
// The tree is splayed on key even when nothing is removed.
func (s *splayCache) remove(es []entry, key Key) int32 {
	if s.root == nilIndex {
		return nilIndex
	}

	t := splay(es, s.root, key)
	s.root = t

	if es[t].key != key {
		return nilIndex
	}

	if es[t].left == nilIndex {
		s.root = es[t].right
	} else {
		x := splay(es, es[t].left, key)
		es[x].right = es[t].right
		s.root = x
	}

	es[t].left, es[t].right = nilIndex, nilIndex
	s.lru.remove(es, t)

	return t
}

// touch marks entry i as most recently used.
func (s *splayCache) touch(es []entry, i int32) {
	s.lru.moveToFront(es, i)
}

// popLRU removes and returns the least recently used entry, or nilIndex.
func (s *splayCache) popLRU(es []entry) int32 {
	i := s.lru.tail
	if i == nilIndex {
		return nilIndex
	}

	return s.remove(es, es[i].key)
}

// splay runs a top-down splay for key on the subtree rooted at t and returns
// the new subtree root: the node holding key, or the last node visited on the
// search path when key is absent.
func splay(es []entry, t int32, key Key) int32 {
	// The header node's right child collects the left assembly tree and its
	// left child the right assembly tree. l and r point at the node whose
	// right (respectively left) link receives the next attachment; nilIndex
	// there means "the header itself".
	headerLeft, headerRight := nilIndex, nilIndex
	l, r := nilIndex, nilIndex

	for {
		if key < es[t].key {
			if es[t].left == nilIndex {
				break
			}

			if key < es[es[t].left].key {
				// rotate right
				y := es[t].left
				es[t].left = es[y].right
				es[y].right = t
				t = y

				if es[t].left == nilIndex {
					break
				}
			}

			// link right
			if r == nilIndex {
				headerLeft = t
			} else {
				es[r].left = t
			}

			r = t
			t = es[t].left
		} else if key > es[t].key {
			if es[t].right == nilIndex {
				break
			}

			if key > es[es[t].right].key {
				// rotate left
				y := es[t].right
				es[t].right = es[y].left
				es[y].left = t
				t = y

				if es[t].right == nilIndex {
					break
				}
			}

			// link left
			if l == nilIndex {
				headerRight = t
			} else {
				es[l].right = t
			}

			l = t
			t = es[t].right
		} else {
			break
		}
	}

	// assemble
	if l == nilIndex {
		headerRight = es[t].left
	} else {
		es[l].right = es[t].left
	}

	if r == nilIndex {
		headerLeft = es[t].right
	} else {
		es[r].left = es[t].right
	}

	es[t].left = headerRight
	es[t].right = headerLeft

	return t
}

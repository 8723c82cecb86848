// Package trackcache is a memory cache of whole disk tracks shared by every
// emulated drive unit.
//
// Entries are keyed by (unit, track) and managed with a segmented LRU policy
// over two splay-tree indexed segments (see [Cache]). Entries live in a single
// arena and are linked by index, so one entry can sit in a segment tree, an
// LRU list and its unit's ownership list at the same time without pointers
// between them.
//
// [PressureMonitor] releases cache memory when the system runs low.
package trackcache

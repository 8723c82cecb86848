package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/calvinalkan/trackdisk/pkg/checksum"
)

// Disk layout shared with pkg/trackdisk. Duplicated here so that package's
// internal tests can import testutil without an import cycle.
const (
	SectorSize = 512
	Tracks     = 160
	SectorsDD  = 11
	SectorsHD  = 22
	TrackDD    = SectorsDD * SectorSize
	SizeDD     = Tracks * TrackDD
	SizeHD     = Tracks * SectorsHD * SectorSize
)

// Image builds disk images in memory for tests.
type Image struct {
	data    []byte
	sectors int
}

// NewImage returns a zero-filled image with sectorsPerTrack sectors per
// track.
func NewImage(sectorsPerTrack int) *Image {
	return &Image{
		data:    make([]byte, Tracks*sectorsPerTrack*SectorSize),
		sectors: sectorsPerTrack,
	}
}

// NewDD returns a zero-filled double-density image.
func NewDD() *Image {
	return NewImage(SectorsDD)
}

// TrackSize returns the bytes per track.
func (im *Image) TrackSize() int {
	return im.sectors * SectorSize
}

// Bytes returns the image contents. The slice is shared with the builder.
func (im *Image) Bytes() []byte {
	return im.data
}

// Track returns track t. The slice is shared with the builder.
func (im *Image) Track(t int) []byte {
	ts := im.TrackSize()

	return im.data[t*ts : (t+1)*ts]
}

// Pattern fills every byte with a value derived from its track, its position
// and seed, so every track differs from its neighbours and from images built
// with another seed.
func (im *Image) Pattern(seed byte) *Image {
	ts := im.TrackSize()

	for i := range im.data {
		im.data[i] = byte(i/ts)*7 + byte(i%251) + seed
	}

	return im
}

// Boot writes a boot block with the given four-byte DOS type and a valid
// checksum.
func (im *Image) Boot(dosType [4]byte) *Image {
	boot := im.data[:2*SectorSize]
	clear(boot)
	copy(boot, dosType[:])
	binary.BigEndian.PutUint32(boot[checksum.BootChecksumOffset:], checksum.BootSum(boot))

	return im
}

// Root offsets inside the root directory block.
const (
	rootHTSize   = 12
	rootChecksum = 20
	rootName     = 432
	rootCDays    = 484
	rootCMins    = 488
	rootCTicks   = 492
	rootSecType  = 508
)

// RootBlockOffset returns the byte offset of the root directory block: the
// middle block of the disk.
func (im *Image) RootBlockOffset() int {
	return len(im.data) / 2
}

// Root writes a well-formed root directory block naming the volume and its
// creation date (stored at 1/50 second resolution).
func (im *Image) Root(name string, created time.Time) *Image {
	off := im.RootBlockOffset()
	blk := im.data[off : off+SectorSize]
	clear(blk)

	binary.BigEndian.PutUint32(blk[0:], 2)
	binary.BigEndian.PutUint32(blk[rootHTSize:], 72)
	binary.BigEndian.PutUint32(blk[rootSecType:], 1)

	blk[rootName] = byte(len(name))
	copy(blk[rootName+1:], name)

	since := created.Sub(time.Date(1978, time.January, 1, 0, 0, 0, 0, time.UTC))
	days := since / (24 * time.Hour)
	since -= days * 24 * time.Hour
	mins := since / time.Minute
	since -= mins * time.Minute

	binary.BigEndian.PutUint32(blk[rootCDays:], uint32(days))
	binary.BigEndian.PutUint32(blk[rootCMins:], uint32(mins))
	binary.BigEndian.PutUint32(blk[rootCTicks:], uint32(since*50/time.Second))
	binary.BigEndian.PutUint32(blk[rootChecksum:], checksum.BlockSum(blk, rootChecksum))

	return im
}

// WriteFile writes the image to dir/name and returns the path.
func (im *Image) WriteFile(tb testing.TB, dir, name string) string {
	tb.Helper()

	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, im.data, 0o600); err != nil {
		tb.Fatalf("write image: %v", err)
	}

	return path
}

// ReadFile returns the contents of path.
func ReadFile(tb testing.TB, path string) []byte {
	tb.Helper()

	data, err := os.ReadFile(path) //nolint:gosec // test path
	if err != nil {
		tb.Fatalf("read image: %v", err)
	}

	return data
}

package trackdisk

import (
	"fmt"
)

// DriveType tags the two supported floppy geometries.
type DriveType uint8

const (
	// DriveDD is an 80 cylinder, 2 head double-density disk with 11 sectors
	// per track (880 KiB).
	DriveDD DriveType = iota + 1

	// DriveHD is an 80 cylinder, 2 head high-density disk with 22 sectors per
	// track (1.76 MiB).
	DriveHD
)

// Fixed disk layout shared by both drive types.
const (
	SectorSize = 512
	Cylinders  = 80
	Heads      = 2
	NumTracks  = Cylinders * Heads

	sectorsDD = 11
	sectorsHD = 22
)

func (t DriveType) String() string {
	switch t {
	case DriveDD:
		return "DD"
	case DriveHD:
		return "HD"
	default:
		return fmt.Sprintf("DriveType(%d)", uint8(t))
	}
}

// Cacheable reports whether tracks of this drive type may enter the shared
// track cache. Only double-density tracks are cached.
func (t DriveType) Cacheable() bool {
	return t == DriveDD
}

// Geometry describes the physical layout of a disk image.
type Geometry struct {
	DriveType       DriveType
	Cylinders       int
	Heads           int
	SectorsPerTrack int
	SectorSize      int
}

// GeometryFor returns the geometry of drive type t.
// Panics on an unknown drive type.
func GeometryFor(t DriveType) Geometry {
	g := Geometry{DriveType: t, Cylinders: Cylinders, Heads: Heads, SectorSize: SectorSize}

	switch t {
	case DriveDD:
		g.SectorsPerTrack = sectorsDD
	case DriveHD:
		g.SectorsPerTrack = sectorsHD
	default:
		panic(fmt.Sprintf("trackdisk: unknown drive type %d", t))
	}

	return g
}

// NumTracks returns cylinders × heads.
func (g Geometry) NumTracks() int {
	return g.Cylinders * g.Heads
}

// TrackSize returns the number of bytes in one track.
func (g Geometry) TrackSize() int {
	return g.SectorsPerTrack * g.SectorSize
}

// DiskSize returns the exact image size in bytes.
func (g Geometry) DiskSize() int64 {
	return int64(g.NumTracks()) * int64(g.TrackSize())
}

// RootBlock returns the block number of the file-system root directory: the
// middle block of the disk.
func (g Geometry) RootBlock() int {
	return g.NumTracks() * g.SectorsPerTrack / 2
}

// rootLocation returns the track holding the root block and the block's byte
// offset inside that track.
func (g Geometry) rootLocation() (track, offset int) {
	b := g.RootBlock()

	return b / g.SectorsPerTrack, (b % g.SectorsPerTrack) * g.SectorSize
}

// ExamineFileSize maps an image size in bytes to its drive type.
// Returns [ErrUnsupportedSize] for any size that is not exactly a DD or HD
// image.
func ExamineFileSize(size int64) (DriveType, error) {
	switch size {
	case GeometryFor(DriveDD).DiskSize():
		return DriveDD, nil
	case GeometryFor(DriveHD).DiskSize():
		return DriveHD, nil
	default:
		return 0, fmt.Errorf("%w: %d bytes", ErrUnsupportedSize, size)
	}
}

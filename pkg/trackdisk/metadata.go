package trackdisk

import (
	"encoding/binary"
	"time"

	"github.com/calvinalkan/trackdisk/pkg/checksum"
)

// Boot block and root directory block layout. Offsets are bytes inside the
// respective block.
const (
	bootBlockSize = 2 * SectorSize

	rootTypeOffset    = 0
	rootHTSizeOffset  = 12
	rootNameOffset    = 432
	rootCDaysOffset   = 484
	rootCMinsOffset   = 488
	rootCTicksOffset  = 492
	rootSecTypeOffset = 508

	rootType       = 2  // T_HEADER
	rootSecType    = 1  // ST_ROOT
	rootHTSize     = 72 // hash table entries in a 512 byte block
	maxVolumeName  = 30
	ticksPerSecond = 50
)

// amigaEpoch is day zero of the root block date stamps.
var amigaEpoch = time.Date(1978, time.January, 1, 0, 0, 0, 0, time.UTC)

// Metadata is a snapshot of the file-system identity of an inserted disk,
// taken on insert and refreshed whenever track 0 or the root track is
// written back.
type Metadata struct {
	// DOSType is the first word of the boot block ("DOS\0" etc.).
	DOSType uint32

	// BootChecksum is the stored boot block checksum word.
	BootChecksum uint32

	// BootValid reports whether the boot block checksum is correct.
	BootValid bool

	// VolumeName is the root directory name. Empty unless VolumeValid.
	VolumeName string

	// VolumeDate is the volume creation date. Zero unless VolumeValid.
	VolumeDate time.Time

	// VolumeValid reports whether a well-formed root block was found.
	VolumeValid bool
}

// SameVolume reports whether m and o identify the same volume: both valid,
// equal name and equal creation date.
func (m Metadata) SameVolume(o Metadata) bool {
	return m.VolumeValid && o.VolumeValid &&
		m.VolumeName == o.VolumeName && m.VolumeDate.Equal(o.VolumeDate)
}

// DOSTypeString renders DOSType as three letters and a version digit,
// e.g. "DOS/1".
func (m Metadata) DOSTypeString() string {
	b := binary.BigEndian.AppendUint32(nil, m.DOSType)

	for _, c := range b[:3] {
		if c < 0x20 || c > 0x7e {
			return ""
		}
	}

	return string(b[:3]) + "/" + string(rune('0'+b[3]%10))
}

// setBoot refreshes the boot block fields from the start of track 0.
func (m *Metadata) setBoot(track0 []byte) {
	if len(track0) < bootBlockSize {
		m.DOSType, m.BootChecksum, m.BootValid = 0, 0, false

		return
	}

	boot := track0[:bootBlockSize]
	m.DOSType = binary.BigEndian.Uint32(boot)
	m.BootChecksum = binary.BigEndian.Uint32(boot[checksum.BootChecksumOffset:])
	m.BootValid = checksum.BootValid(boot)
}

// setRoot refreshes the volume fields from a root directory block.
func (m *Metadata) setRoot(block []byte) {
	m.VolumeName, m.VolumeDate, m.VolumeValid = "", time.Time{}, false

	if len(block) < SectorSize {
		return
	}

	block = block[:SectorSize]

	if binary.BigEndian.Uint32(block[rootTypeOffset:]) != rootType ||
		binary.BigEndian.Uint32(block[rootSecTypeOffset:]) != rootSecType ||
		binary.BigEndian.Uint32(block[rootHTSizeOffset:]) != rootHTSize ||
		!checksum.BlockValid(block) {
		return
	}

	n := int(block[rootNameOffset])
	if n == 0 || n > maxVolumeName {
		return
	}

	days := binary.BigEndian.Uint32(block[rootCDaysOffset:])
	mins := binary.BigEndian.Uint32(block[rootCMinsOffset:])
	ticks := binary.BigEndian.Uint32(block[rootCTicksOffset:])

	m.VolumeName = string(block[rootNameOffset+1 : rootNameOffset+1+n])
	m.VolumeDate = amigaEpoch.
		Add(time.Duration(days) * 24 * time.Hour).
		Add(time.Duration(mins) * time.Minute).
		Add(time.Duration(ticks) * time.Second / ticksPerSecond)
	m.VolumeValid = true
}

// refreshFromTrack updates whichever metadata lives on track t of geometry g.
func (m *Metadata) refreshFromTrack(g Geometry, t int, data []byte) {
	if t == 0 {
		m.setBoot(data)
	}

	if rt, off := g.rootLocation(); t == rt {
		m.setRoot(data[off : off+SectorSize])
	}
}

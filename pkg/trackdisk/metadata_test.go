package trackdisk

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/calvinalkan/trackdisk/internal/testutil"
	"github.com/calvinalkan/trackdisk/pkg/checksum"
)

func Test_Metadata_Reads_Boot_And_Root_Blocks(t *testing.T) {
	t.Parallel()

	created := time.Date(2001, time.September, 9, 1, 46, 40, 200*int(time.Millisecond), time.UTC)
	im := testutil.NewDD().Boot([4]byte{'D', 'O', 'S', 3}).Root("Games", created)
	geo := GeometryFor(DriveDD)
	rt, _ := geo.rootLocation()

	var m Metadata
	m.refreshFromTrack(geo, 0, im.Track(0))
	m.refreshFromTrack(geo, rt, im.Track(rt))

	if !m.BootValid || m.DOSTypeString() != "DOS/3" {
		t.Fatalf("boot = %+v (%q)", m, m.DOSTypeString())
	}

	if !m.VolumeValid || m.VolumeName != "Games" || !m.VolumeDate.Equal(created) {
		t.Fatalf("root = %+v", m)
	}
}

func Test_Metadata_Rejects_Root_Block_When_Checksum_Wrong(t *testing.T) {
	t.Parallel()

	im := testutil.NewDD().Root("Games", time.Now())
	off := im.RootBlockOffset()
	block := im.Bytes()[off : off+SectorSize]

	var m Metadata

	m.setRoot(block)

	if !m.VolumeValid {
		t.Fatal("valid block rejected")
	}

	block[rootNameOffset+1] ^= 0x20

	m.setRoot(block)

	if m.VolumeValid || m.VolumeName != "" {
		t.Fatalf("corrupt block accepted: %+v", m)
	}
}

func Test_Metadata_Rejects_Root_Block_When_Name_Too_Long(t *testing.T) {
	t.Parallel()

	block := make([]byte, SectorSize)
	binary.BigEndian.PutUint32(block[rootTypeOffset:], rootType)
	binary.BigEndian.PutUint32(block[rootHTSizeOffset:], rootHTSize)
	binary.BigEndian.PutUint32(block[rootSecTypeOffset:], rootSecType)
	block[rootNameOffset] = maxVolumeName + 1
	binary.BigEndian.PutUint32(block[20:], checksum.BlockSum(block, 20))

	var m Metadata

	m.setRoot(block)

	if m.VolumeValid {
		t.Fatalf("overlong name accepted: %+v", m)
	}
}

func Test_Metadata_Flags_Bad_Boot_Checksum(t *testing.T) {
	t.Parallel()

	im := testutil.NewDD().Boot([4]byte{'D', 'O', 'S', 0})
	im.Track(0)[100] = 1

	var m Metadata

	m.setBoot(im.Track(0))

	if m.BootValid {
		t.Fatal("boot block with stale checksum reported valid")
	}

	if m.DOSTypeString() != "DOS/0" {
		t.Fatalf("dos type = %q", m.DOSTypeString())
	}
}

func Test_SameVolume_Requires_Both_Valid(t *testing.T) {
	t.Parallel()

	when := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Metadata{VolumeName: "X", VolumeDate: when, VolumeValid: true}
	b := a

	if !a.SameVolume(b) {
		t.Fatal("identical volumes differ")
	}

	b.VolumeValid = false

	if a.SameVolume(b) {
		t.Fatal("invalid volume matched")
	}

	if (Metadata{}).SameVolume(Metadata{}) {
		t.Fatal("empty metadata matched")
	}
}

func Test_AggregateSum_Differs_When_Size_Differs(t *testing.T) {
	t.Parallel()

	sums := []checksum.Sum64{checksum.Fletcher64(make([]byte, 8))}

	if aggregateSum(sums, 8).Equal(aggregateSum(sums, 16)) {
		t.Fatal("size not folded into aggregate")
	}
}

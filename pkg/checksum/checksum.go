// Package checksum implements the checksums used by the track buffer and the
// shared track cache.
//
// The main types and functions are:
//   - [Sum64]: a Fletcher-64 running checksum over big-endian 32-bit words,
//     used for change detection (dirty tracks, corrupt cache entries, duplicate
//     disk images).
//   - [AddCarry32], [BootSum], [BootValid]: the carry-wraparound additive sum
//     that guards the boot block.
//   - [BlockSum], [BlockValid]: the plain two's complement sum that guards
//     file-system header blocks such as the root directory block.
//
// All functions process buffers as 32-bit big-endian words and panic when the
// buffer length is not a multiple of 4. That is a programming error, never a
// data error: every buffer in this module is sector sized.
package checksum

import (
	"encoding/binary"
	"strconv"
)

// WordSize is the number of bytes consumed per checksum step.
const WordSize = 4

// Sum64 is a Fletcher-64 checksum: Sum1 is the running total of all words,
// Sum2 is the running total of Sum1 after every addition.
//
// The zero value is the checksum of an empty buffer.
type Sum64 struct {
	Sum1 uint32
	Sum2 uint32
}

// Fletcher64 returns the checksum of buf.
// Panics if len(buf) is not a multiple of [WordSize].
func Fletcher64(buf []byte) Sum64 {
	return Sum64{}.Update(buf)
}

// Update continues the checksum s over buf and returns the result. It is used
// to aggregate several buffers (for example every track of a disk) into one
// checksum.
// Panics if len(buf) is not a multiple of [WordSize].
func (s Sum64) Update(buf []byte) Sum64 {
	mustBeWords(buf)

	sum1, sum2 := s.Sum1, s.Sum2

	for off := 0; off < len(buf); off += WordSize {
		sum1 += binary.BigEndian.Uint32(buf[off:])
		sum2 += sum1
	}

	return Sum64{Sum1: sum1, Sum2: sum2}
}

// Equal reports whether both running sums match exactly.
func (s Sum64) Equal(other Sum64) bool {
	return s.Sum1 == other.Sum1 && s.Sum2 == other.Sum2
}

// IsZero reports whether s is the checksum of an empty (or all-zero) buffer.
func (s Sum64) IsZero() bool {
	return s.Sum1 == 0 && s.Sum2 == 0
}

// AppendBinary appends the big-endian encoding of s (Sum1 then Sum2) to b.
func (s Sum64) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, s.Sum1)

	return binary.BigEndian.AppendUint32(b, s.Sum2)
}

// String formats s as a 16 digit hex value.
func (s Sum64) String() string {
	v := uint64(s.Sum2)<<32 | uint64(s.Sum1)
	out := strconv.FormatUint(v, 16)

	for len(out) < 16 {
		out = "0" + out
	}

	return out
}

// AddCarry32 sums all words of buf, adding every carry-out back into the sum.
// Panics if len(buf) is not a multiple of [WordSize].
func AddCarry32(buf []byte) uint32 {
	mustBeWords(buf)

	var sum uint32

	for off := 0; off < len(buf); off += WordSize {
		prev := sum
		sum += binary.BigEndian.Uint32(buf[off:])

		if sum < prev {
			sum++
		}
	}

	return sum
}

// BootChecksumOffset is the byte offset of the checksum word inside a boot block.
const BootChecksumOffset = 4

// BootSum computes the value that belongs in the checksum word of the boot
// block buf, treating the current checksum word as zero.
// Panics if buf is shorter than 8 bytes or not word sized.
func BootSum(buf []byte) uint32 {
	mustBeWords(buf)

	if len(buf) < BootChecksumOffset+WordSize {
		panic("checksum: boot block too short")
	}

	var sum uint32

	for off := 0; off < len(buf); off += WordSize {
		if off == BootChecksumOffset {
			continue
		}

		prev := sum
		sum += binary.BigEndian.Uint32(buf[off:])

		if sum < prev {
			sum++
		}
	}

	return ^sum
}

// BootValid reports whether the boot block buf carries a correct checksum,
// i.e. the carry sum over the whole block is all ones.
func BootValid(buf []byte) bool {
	return AddCarry32(buf) == 0xFFFFFFFF
}

// BlockSum computes the checksum word for a header block: the negated plain
// sum of every word except the one at byte offset at.
// Panics if at is not a word offset inside buf.
func BlockSum(buf []byte, at int) uint32 {
	mustBeWords(buf)

	if at < 0 || at%WordSize != 0 || at+WordSize > len(buf) {
		panic("checksum: checksum offset out of range")
	}

	var sum uint32

	for off := 0; off < len(buf); off += WordSize {
		if off == at {
			continue
		}

		sum += binary.BigEndian.Uint32(buf[off:])
	}

	return -sum
}

// BlockValid reports whether the plain sum of every word in buf is zero.
func BlockValid(buf []byte) bool {
	mustBeWords(buf)

	var sum uint32

	for off := 0; off < len(buf); off += WordSize {
		sum += binary.BigEndian.Uint32(buf[off:])
	}

	return sum == 0
}

func mustBeWords(buf []byte) {
	if len(buf)%WordSize != 0 {
		panic("checksum: buffer length " + strconv.Itoa(len(buf)) + " is not a multiple of 4")
	}
}

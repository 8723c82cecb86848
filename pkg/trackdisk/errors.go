package trackdisk

import (
	"context"
	"errors"
	"strconv"
)

// Sentinel errors returned by trackdisk operations.
//
// Callers should use [errors.Is] to check error types; [CodeOf] maps any of
// them to a stable numeric [Code].
var (
	// ErrBadLength indicates a request length that is negative or not a
	// multiple of [SectorSize]. No I/O was attempted.
	ErrBadLength = errors.New("trackdisk: bad length")

	// ErrBadAddress indicates a request offset that is misaligned or outside
	// the disk. No I/O was attempted.
	ErrBadAddress = errors.New("trackdisk: bad address")

	// ErrDiskChanged indicates the medium went away during the request, or a
	// change-count-checked request saw a different change count.
	ErrDiskChanged = errors.New("trackdisk: disk changed")

	// ErrWriteProtected indicates the medium does not accept writes.
	ErrWriteProtected = errors.New("trackdisk: write protected")

	// ErrNoMediumPresent indicates the unit has no image inserted.
	ErrNoMediumPresent = errors.New("trackdisk: no medium present")

	// ErrDriveInUse indicates the unit is busy (motor running).
	//
	// Recovery: retry once the motor is off; [Device.EjectMedium] does this
	// automatically when given a timeout.
	ErrDriveInUse = errors.New("trackdisk: drive in use")

	// ErrAlreadyInUse indicates the unit already holds a medium, or another
	// process holds the image lock.
	ErrAlreadyInUse = errors.New("trackdisk: already in use")

	// ErrObjectInUse indicates a unit cannot stop while a medium is inserted.
	ErrObjectInUse = errors.New("trackdisk: object in use")

	// ErrNoFileGiven indicates an insert without a path.
	ErrNoFileGiven = errors.New("trackdisk: no file given")

	// ErrNoFreeStore indicates an allocation could not be satisfied.
	ErrNoFreeStore = errors.New("trackdisk: no free store")

	// ErrCacheUnavailable indicates per-unit caching was requested while the
	// shared cache is disabled or the drive type is not cacheable.
	ErrCacheUnavailable = errors.New("trackdisk: track cache unavailable")

	// ErrDuplicateDisk indicates another unit holds an image with identical
	// content or the very same file.
	ErrDuplicateDisk = errors.New("trackdisk: duplicate disk")

	// ErrDuplicateVolume indicates another unit holds a volume with the same
	// name and creation date.
	ErrDuplicateVolume = errors.New("trackdisk: duplicate volume")

	// ErrAborted indicates a queued request was aborted before it ran, or the
	// unit shut down with the request still queued.
	ErrAborted = errors.New("trackdisk: aborted")

	// ErrBreak indicates the caller cancelled a timed retry loop.
	ErrBreak = errors.New("trackdisk: break")

	// ErrSeekOrWrite indicates a failed seek or write during write-back.
	ErrSeekOrWrite = errors.New("trackdisk: seek or write error")

	// ErrTrackIO indicates a failed seek or short read while loading a track.
	ErrTrackIO = errors.New("trackdisk: track i/o error")

	// ErrReadOnlyVolume indicates write protection cannot be removed because
	// the volume holding the image is read-only.
	ErrReadOnlyVolume = errors.New("trackdisk: read-only volume")

	// ErrReadOnlyFile indicates write protection cannot be removed because the
	// image file is not writable.
	ErrReadOnlyFile = errors.New("trackdisk: read-only file")

	// ErrUnitNotFound indicates no started unit has the given number.
	ErrUnitNotFound = errors.New("trackdisk: unit not found")

	// ErrUnsupportedSize indicates an image whose size matches no drive type.
	ErrUnsupportedSize = errors.New("trackdisk: unsupported image size")

	// ErrUnknownCommand indicates a request with an unknown command.
	ErrUnknownCommand = errors.New("trackdisk: unknown command")

	// ErrConfigInvalid indicates a configuration that failed to parse or
	// validate.
	ErrConfigInvalid = errors.New("trackdisk: invalid config")

	// ErrClosed indicates the [Device] has been closed.
	ErrClosed = errors.New("trackdisk: device closed")
)

// Code is a stable numeric error code for callers that translate failures
// into operator messages.
type Code int

const (
	CodeOK Code = iota
	CodeUnknown
	CodeBadLength
	CodeBadAddress
	CodeDiskChanged
	CodeWriteProtected
	CodeNoMediumPresent
	CodeDriveInUse
	CodeAlreadyInUse
	CodeObjectInUse
	CodeNoFileGiven
	CodeNoFreeStore
	CodeDuplicateDisk
	CodeDuplicateVolume
	CodeAborted
	CodeBreak
	CodeSeekOrWrite
	CodeTrackIO
	CodeReadOnlyVolume
	CodeReadOnlyFile
	CodeBadUnit
	CodeBadDriveType
	CodeUnknownCommand
	CodeConfigInvalid
)

var codeTable = []struct {
	err  error
	code Code
	text string
}{
	{ErrBadLength, CodeBadLength, "bad length"},
	{ErrBadAddress, CodeBadAddress, "bad address"},
	{ErrDiskChanged, CodeDiskChanged, "disk changed"},
	{ErrWriteProtected, CodeWriteProtected, "disk write protected"},
	{ErrNoMediumPresent, CodeNoMediumPresent, "no disk in drive"},
	{ErrDriveInUse, CodeDriveInUse, "drive in use"},
	{ErrAlreadyInUse, CodeAlreadyInUse, "drive already in use"},
	{ErrObjectInUse, CodeObjectInUse, "object in use"},
	{ErrNoFileGiven, CodeNoFileGiven, "no file given"},
	{ErrNoFreeStore, CodeNoFreeStore, "not enough memory"},
	{ErrCacheUnavailable, CodeNoFreeStore, "not enough memory"},
	{ErrDuplicateDisk, CodeDuplicateDisk, "disk already inserted in another drive"},
	{ErrDuplicateVolume, CodeDuplicateVolume, "volume already mounted in another drive"},
	{ErrAborted, CodeAborted, "request aborted"},
	{ErrBreak, CodeBreak, "break"},
	{ErrSeekOrWrite, CodeSeekOrWrite, "seek or write error"},
	{ErrTrackIO, CodeTrackIO, "track read error"},
	{ErrReadOnlyVolume, CodeReadOnlyVolume, "volume is read only"},
	{ErrReadOnlyFile, CodeReadOnlyFile, "file is read only"},
	{ErrUnitNotFound, CodeBadUnit, "bad unit number"},
	{ErrUnsupportedSize, CodeBadDriveType, "unsupported image size"},
	{ErrUnknownCommand, CodeUnknownCommand, "unknown command"},
	{ErrConfigInvalid, CodeConfigInvalid, "invalid configuration"},
}

// CodeOf maps err to its [Code]. Returns [CodeOK] for nil, [CodeBreak] for a
// context cancellation and [CodeUnknown] for anything not produced by this
// package.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}

	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeBreak
	}

	return CodeUnknown
}

// String returns a short operator-facing description of c.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnknown:
		return "unknown error"
	}

	for _, e := range codeTable {
		if e.code == c {
			return e.text
		}
	}

	return "code " + strconv.Itoa(int(c))
}

// FieldError reports which option of a [Device.ChangeUnit] call failed.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

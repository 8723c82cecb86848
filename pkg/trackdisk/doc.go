// Package trackdisk emulates floppy drive units backed by raw disk image
// files.
//
// A [Device] owns any number of units and one shared [trackcache.Cache].
// Every unit runs a worker goroutine that owns a single track buffer. Queued
// requests ([Request]) read and write sector-aligned byte ranges through that
// buffer; a dirty track is written back when another track is loaded, on
// [CmdUpdate], on eject, or when an idled unit spins down. Write-back is
// skipped when the track's Fletcher-64 checksum still matches the one taken
// at load time.
//
// Basic usage:
//
//	dev, err := trackdisk.New(trackdisk.Options{})
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	unit, err := dev.StartUnit(trackdisk.StartOptions{Any: true})
//	if err != nil {
//	    return err
//	}
//
//	err = dev.InsertMedium(ctx, unit, trackdisk.InsertOptions{Path: "work.adf"})
//	...
//	data, err := dev.Read(ctx, unit, 0, trackdisk.SectorSize)
//
// # Media
//
// Images are headerless and must be exactly the size of a double-density
// (901120 bytes) or high-density (1802240 bytes) disk. On insert the device
// takes an advisory lock on the file, snapshots the boot block and root
// directory, and with Config.DiskChecksums computes a checksum per track.
// Inserting a file, content or volume already present in another unit is
// refused with [ErrDuplicateDisk] or [ErrDuplicateVolume].
//
// # Errors
//
// All failures wrap one of the package's sentinel errors; see [CodeOf] for a
// stable numeric mapping. Medium errors (the image vanishing or turning
// read-only) heal the unit instead of killing it: the file is closed or the
// unit write-protected, and the next insert works normally.
//
// # Concurrency
//
// All [Device] methods are safe for concurrent use. Requests to one unit run
// strictly in submission order; queries such as [Device.ChangeNum] and
// [Device.QueryUnitStatus] bypass the queue.
package trackdisk

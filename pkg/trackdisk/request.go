package trackdisk

import (
	"context"
	"fmt"
)

// Command selects what a queued [Request] does.
type Command uint8

const (
	// CmdRead copies Data's length in bytes from Offset into Data.
	CmdRead Command = iota + 1

	// CmdWrite copies Data to Offset. The data may stay buffered until the
	// next track change, [CmdUpdate], eject or idle spin-down.
	CmdWrite

	// CmdFormat writes Data to Offset and flushes every touched track
	// immediately.
	CmdFormat

	// CmdUpdate flushes the resident track if dirty.
	CmdUpdate

	// CmdClear discards the resident track without flushing it.
	CmdClear

	// CmdSeek moves the file position to the track holding Offset.
	CmdSeek

	// CmdMotor switches the motor to On, flushing first when switching off.
	// Actual reports the previous state as 0 or 1.
	CmdMotor
)

func (c Command) String() string {
	switch c {
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdFormat:
		return "format"
	case CmdUpdate:
		return "update"
	case CmdClear:
		return "clear"
	case CmdSeek:
		return "seek"
	case CmdMotor:
		return "motor"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Request is one queued disk command. Fill in the exported input fields,
// hand it to [Device.Submit], then [Request.Wait] for it. A Request must not
// be reused.
type Request struct {
	Cmd    Command
	Offset int64
	Data   []byte
	On     bool

	// CheckChange makes the request fail with [ErrDiskChanged] unless the
	// unit's change count still equals ChangeCount when it runs.
	CheckChange bool
	ChangeCount uint32

	// Actual and Err are the result, valid once Done is closed.
	Actual int
	Err    error

	unit *Unit
	done chan struct{}
}

// Done is closed when the request completed or was aborted.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until r completes and returns r.Err. If ctx ends first and r
// is still queued, r is aborted and Wait returns [ErrAborted] joined with the
// context error. A request that already started always runs to completion.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err
	case <-ctx.Done():
	}

	if r.Abort() {
		return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
	}

	<-r.done

	return r.Err
}

// Abort removes r from its unit's queue. It reports false when r is not
// queued: never submitted, already running or already complete.
func (r *Request) Abort() bool {
	if r.unit == nil {
		return false
	}

	return r.unit.abort(r)
}

func (r *Request) complete(actual int, err error) {
	r.Actual = actual
	r.Err = err
	close(r.done)
}

package trackdisk

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// enqueue appends r to the queue and wakes the worker. A unit that is
// shutting down fails r immediately.
func (u *Unit) enqueue(r *Request) {
	r.unit = u
	r.done = make(chan struct{})

	u.qmu.Lock()

	if u.state == StateShuttingDown {
		u.qmu.Unlock()
		r.complete(0, ErrAborted)

		return
	}

	u.queue = append(u.queue, r)
	u.qmu.Unlock()

	u.signal()
}

func (u *Unit) signal() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

func (u *Unit) abort(r *Request) bool {
	u.qmu.Lock()
	defer u.qmu.Unlock()

	for i, q := range u.queue {
		if q == r {
			u.queue = append(u.queue[:i], u.queue[i+1:]...)
			r.complete(0, ErrAborted)

			return true
		}
	}

	return false
}

// pause stops request processing. Queued requests stay queued.
func (u *Unit) pause() {
	u.qmu.Lock()
	if u.state == StateRunning {
		u.state = StateStopped
	}
	u.qmu.Unlock()
}

// resume restarts request processing after pause.
func (u *Unit) resume() {
	u.qmu.Lock()
	if u.state == StateStopped {
		u.state = StateRunning
	}
	u.qmu.Unlock()

	u.signal()
}

// State returns the worker state.
func (u *Unit) State() State {
	u.qmu.Lock()
	defer u.qmu.Unlock()

	return u.state
}

// run is the worker loop. It handles one control message, one request or one
// idle tick at a time until the unit shuts down.
func (u *Unit) run() {
	ticker := time.NewTicker(u.cfg.IdleInterval.Std())
	defer ticker.Stop()

	glog.V(1).Infof("trackdisk: unit %d worker started", u.num)

	for {
		select {
		case msg := <-u.ctl:
			if u.handleControl(msg) {
				glog.V(1).Infof("trackdisk: unit %d worker exited", u.num)

				return
			}
		case <-u.wake:
			u.processOne()
		case <-ticker.C:
			u.idleTick()
		}
	}
}

// processOne runs the request at the head of the queue, re-arming the wake
// signal when more are waiting so control messages interleave.
func (u *Unit) processOne() {
	u.qmu.Lock()

	if u.state != StateRunning || len(u.queue) == 0 {
		u.qmu.Unlock()

		return
	}

	r := u.queue[0]
	u.queue[0] = nil
	u.queue = u.queue[1:]
	more := len(u.queue) > 0
	u.qmu.Unlock()

	if more {
		u.signal()
	}

	n, err := u.execute(r)
	r.complete(n, err)
}

func (u *Unit) execute(r *Request) (int, error) {
	if r.CheckChange {
		u.mu.Lock()
		cc := u.changeCount
		u.mu.Unlock()

		if cc != r.ChangeCount {
			return 0, fmt.Errorf("%w: change count %d, expected %d", ErrDiskChanged, cc, r.ChangeCount)
		}
	}

	switch r.Cmd {
	case CmdRead:
		if err := u.validate(r.Offset, len(r.Data)); err != nil {
			return 0, err
		}

		return u.readBytes(r.Offset, r.Data)
	case CmdWrite, CmdFormat:
		if err := u.validate(r.Offset, len(r.Data)); err != nil {
			return 0, err
		}

		if u.writeProt {
			return 0, ErrWriteProtected
		}

		if r.Cmd == CmdFormat {
			return u.formatRange(r.Offset, r.Data)
		}

		return u.writeBytes(r.Offset, r.Data)
	case CmdUpdate:
		if !u.present {
			return 0, nil
		}

		return 0, u.writeBack(false)
	case CmdClear:
		u.clearBuffer()

		return 0, nil
	case CmdSeek:
		if err := u.validate(r.Offset, 0); err != nil {
			return 0, err
		}

		return 0, u.seekTo(r.Offset)
	case CmdMotor:
		return u.switchMotor(r.On)
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownCommand, r.Cmd)
	}
}

// validate checks alignment first, then medium presence, then bounds.
func (u *Unit) validate(offset int64, length int) error {
	if err := checkAlignment(offset, length); err != nil {
		return err
	}

	if !u.present {
		return ErrNoMediumPresent
	}

	return u.checkRange(offset, length)
}

func (u *Unit) switchMotor(on bool) (int, error) {
	prev := 0
	if u.motor {
		prev = 1
	}

	if !on {
		if err := u.writeBack(false); err != nil {
			return prev, err
		}
	}

	u.setMotor(on)

	return prev, nil
}

// idleTick acts on a pending spin-down request: flush and stop the motor.
// A failed flush keeps the request pending for the next tick.
func (u *Unit) idleTick() {
	u.mu.Lock()
	pending := u.motorOffPending
	u.mu.Unlock()

	if !pending {
		return
	}

	if err := u.writeBack(false); err != nil {
		glog.Warningf("trackdisk: unit %d idle flush: %v", u.num, err)

		if u.dirty {
			return
		}
	}

	u.mu.Lock()
	u.motor = false
	u.motorOffPending = false
	u.mu.Unlock()

	glog.V(1).Infof("trackdisk: unit %d spun down", u.num)
}

// requestSpinDown marks the unit for the next idle tick.
func (u *Unit) requestSpinDown() {
	u.mu.Lock()
	u.motorOffPending = true
	u.mu.Unlock()
}

// triggerChange bumps the change count and notifies the listeners in
// registration order, then the legacy listener. The queue stays locked for
// the whole fan-out, so listeners must not submit requests to this unit.
func (u *Unit) triggerChange() {
	u.qmu.Lock()
	defer u.qmu.Unlock()

	u.mu.Lock()
	u.changeCount++
	n := u.changeCount
	u.mu.Unlock()

	for _, l := range u.listeners {
		l.fn(u.num, n)
	}

	if u.legacy != nil {
		u.legacy(u.num, n)
	}
}

// send hands msg to the worker and waits for its reply. Once delivered, the
// worker always replies, so only delivery honours ctx.
func (u *Unit) send(ctx context.Context, msg *control) error {
	msg.reply = make(chan error, 1)

	select {
	case u.ctl <- msg:
	case <-u.done:
		return ErrAborted
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrBreak, context.Cause(ctx))
	}

	return <-msg.reply
}

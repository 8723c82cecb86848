package trackdisk

// ChangeListener is called after every insert, eject or lost medium with the
// unit number and its new change count. It runs on the unit's worker while
// the unit's queue is locked and must not call back into the [Device].
type ChangeListener func(unit int, changeCount uint32)

// ListenerID identifies a registered [ChangeListener].
type ListenerID uint64

type listener struct {
	id ListenerID
	fn ChangeListener
}

func (u *Unit) addListener(fn ChangeListener) ListenerID {
	u.qmu.Lock()
	defer u.qmu.Unlock()

	u.nextListener++
	id := u.nextListener
	u.listeners = append(u.listeners, listener{id: id, fn: fn})

	return id
}

func (u *Unit) removeListener(id ListenerID) {
	u.qmu.Lock()
	defer u.qmu.Unlock()

	for i, l := range u.listeners {
		if l.id == id {
			u.listeners = append(u.listeners[:i], u.listeners[i+1:]...)

			return
		}
	}
}

func (u *Unit) setLegacyListener(fn ChangeListener) {
	u.qmu.Lock()
	u.legacy = fn
	u.qmu.Unlock()
}

package ti

import (
	"github.com/google/uuid"

	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

// threadData is what the tool interface keeps in a thread's custom TLS slot.
// It is guarded by the thread list lock.
type threadData struct {
	// values holds each environment's thread-local value.
	values map[uuid.UUID]any
	// suspendedBy is the environment holding the thread's user-code
	// suspension, or uuid.Nil.
	suspendedBy uuid.UUID
}

// Must be called with the thread list lock held.
func threadDataLocked(t *vm.Thread, create bool) *threadData {
	d, ok := t.CustomTLS().(*threadData)
	if !ok && create {
		d = &threadData{values: make(map[uuid.UUID]any)}
		t.SetCustomTLS(d)
	}
	return d
}

// SetThreadLocalStorage stores value on the target thread under this
// environment. Storing nil clears the entry.
func (e *Env) SetThreadLocalStorage(self *vm.Thread, peer *vm.Peer, value any) error {
	l := e.rt.Locks()
	h := self.Held()
	l.ThreadList.Lock(h)
	defer l.ThreadList.Unlock(h)
	t, err := e.resolveLocked(self, peer)
	if err != nil {
		return err
	}
	if value == nil {
		if d := threadDataLocked(t, false); d != nil {
			delete(d.values, e.id)
		}
		return nil
	}
	threadDataLocked(t, true).values[e.id] = value
	return nil
}

// GetThreadLocalStorage returns the value stored on the target thread under
// this environment, or nil if there is none.
func (e *Env) GetThreadLocalStorage(self *vm.Thread, peer *vm.Peer) (any, error) {
	l := e.rt.Locks()
	h := self.Held()
	l.ThreadList.Lock(h)
	defer l.ThreadList.Unlock(h)
	t, err := e.resolveLocked(self, peer)
	if err != nil {
		return nil, err
	}
	if d := threadDataLocked(t, false); d != nil {
		return d.values[e.id], nil
	}
	return nil, nil
}

// Must be called with the thread list lock held.
func setSuspendedByLocked(t *vm.Thread, id uuid.UUID) {
	if d := threadDataLocked(t, id != uuid.Nil); d != nil {
		d.suspendedBy = id
	}
}
